package session

import (
	"context"
	"fmt"
	"strings"
)

// Store persists session snapshots.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns ErrSessionNotFound when no snapshot exists for id.
	Load(ctx context.Context, id string) (*Snapshot, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Info, error)
	Close() error
}

// ValidateSessionID rejects ids that are empty or unsafe as file names
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidSessionID)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: too long", ErrInvalidSessionID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidSessionID)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidSessionID)
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidSessionID)
	}
	return nil
}
