package security

import (
	"fmt"
	"time"
)

// KeyRotationWindow gates when a key version may be used.
type KeyRotationWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (w KeyRotationWindow) Allows(at time.Time) bool {
	ts := at.UTC()
	if !w.NotBefore.IsZero() && ts.Before(w.NotBefore.UTC()) {
		return false
	}
	if !w.NotAfter.IsZero() && ts.After(w.NotAfter.UTC()) {
		return false
	}
	return true
}

type keyRef struct {
	KeyID   string
	Version int
}

func (r keyRef) String() string {
	return fmt.Sprintf("%s:%d", r.KeyID, r.Version)
}
