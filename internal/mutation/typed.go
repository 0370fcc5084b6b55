package mutation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/colthorp/fitsync-go/internal/core"
)

// NewTempID returns a locally assigned identity for an entity whose creation
// the server has not confirmed yet.
func NewTempID() string {
	return core.TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was issued by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, core.TempIDPrefix)
}

// ApplyJSON lifts a typed pure function into an ApplyFunc. Entries that hold
// nothing are skipped; absent entries are passed in as the zero value.
func ApplyJSON[T any](fn func(T) (T, error)) ApplyFunc {
	return func(current json.RawMessage, absent bool) (json.RawMessage, error) {
		var v T
		switch {
		case absent:
		case current == nil:
			return nil, ErrSkip
		default:
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, fmt.Errorf("decode cached value: %w", err)
			}
		}
		next, err := fn(v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	}
}

// ReconcileJSON lifts a typed function of (current value, server response)
// into a ReconcileFunc. Entries that hold nothing are skipped.
func ReconcileJSON[T, R any](fn func(T, R) (T, error)) ReconcileFunc {
	return func(current, response json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, ErrSkip
		}
		var v T
		if err := json.Unmarshal(current, &v); err != nil {
			return nil, fmt.Errorf("decode cached value: %w", err)
		}
		var r R
		if len(response) > 0 {
			if err := json.Unmarshal(response, &r); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		next, err := fn(v, r)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	}
}

// Replace is a ReconcileFunc that stores the server response as is.
func Replace(_, response json.RawMessage) (json.RawMessage, error) {
	if len(response) == 0 {
		return nil, ErrSkip
	}
	return response, nil
}

// PresentOnly skips entries the server reported absent.
func PresentOnly(fn ApplyFunc) ApplyFunc {
	return func(current json.RawMessage, absent bool) (json.RawMessage, error) {
		if absent {
			return nil, ErrSkip
		}
		return fn(current, absent)
	}
}
