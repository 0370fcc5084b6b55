// Package main provides the entry point for the fitsync CLI.
package main

import "github.com/colthorp/fitsync-go/internal/cli"

func main() {
	cli.Execute()
}
