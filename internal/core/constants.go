// Package core provides shared constants and helpers for the fitsync client.
package core

import (
	"os"
	"path/filepath"
	"time"
)

// API configuration
const (
	APIBaseURL    = "https://api.fitsync.app"
	APIVersion    = "v1"
	TokenEnvVar   = "FITSYNC_TOKEN"
	BaseURLEnvVar = "FITSYNC_API_URL"
	TZEnvVar      = "FITSYNC_TIMEZONE"
	EnvEnvVar     = "FITSYNC_ENV"
	DefaultTZ     = "UTC"
)

// Date formats
const (
	APIDateFmt     = "2006-01-02"
	APIDatetimeFmt = "2006-01-02 15:04:05"
)

// Network bounds. Every remote call carries RequestTimeout; a timeout is a
// failure like any other.
const (
	RequestTimeout = 15 * time.Second
	PollInterval   = 60 * time.Second
)

// Staleness windows per family of resources.
const (
	StaleToday     = 30 * time.Second
	StaleDay       = 2 * time.Minute
	StaleMeal      = 2 * time.Minute
	StaleWorkout   = 5 * time.Minute
	StaleMetrics   = 10 * time.Minute
	StaleAnalytics = 15 * time.Minute
	StaleFoods     = 30 * time.Minute
)

// TempIDPrefix marks identities assigned locally to entities whose creation
// has not been confirmed by the server.
const TempIDPrefix = "tmp_"

// Prefetch workers
const (
	PrefetchMaxWorkers = 3
)

// DataRoot returns ~/.fitsync.
func DataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".fitsync")
}

// CacheRoot returns the default on-disk cache directory path.
func CacheRoot() string {
	return filepath.Join(DataRoot(), "cache")
}

// CredentialsPath returns where login tokens are kept.
func CredentialsPath() string {
	return filepath.Join(DataRoot(), "credentials.json")
}

// Version is the current CLI version.
const Version = "0.3.0"
