// Package persist keeps a library.Store durable. Every change is written to
// a local cache before the mutating call returns; a debounced background
// loop pushes the library to a remote store and reconciles it with changes
// made on other devices.
package persist

import (
	"context"
	"errors"

	"mediahub/pkg/models"
)

var ErrSyncUnavailable = errors.New("remote sync unavailable")

// LocalCache is the on-device copy of a single library. Load reports false
// when nothing has been saved yet.
type LocalCache interface {
	Load() (models.Snapshot, bool, error)
	Save(models.Snapshot) error
	Clear() error
	// Quarantine moves the current copy aside under tag instead of deleting it.
	Quarantine(tag string) error
}

// RemoteStore is the signed-in user's server-side copy. PushAll merges the
// pushed snapshot with what the server holds and returns the result.
type RemoteStore interface {
	FetchAll(ctx context.Context) (models.Snapshot, error)
	PushAll(ctx context.Context, snap models.Snapshot) (models.Snapshot, error)
	// Watch blocks until ctx is done, calling onChange whenever another
	// device changed the library.
	Watch(ctx context.Context, onChange func()) error
}

type Status string

const (
	StatusSignedOut        Status = "signed_out"
	StatusIdle             Status = "idle"
	StatusSyncing          Status = "syncing"
	StatusSynced           Status = "synced"
	StatusOffline          Status = "offline"
	StatusLocalUnavailable Status = "local_unavailable"
)

type SignOutMode int

const (
	// SignOutClear deletes the local copy.
	SignOutClear SignOutMode = iota
	// SignOutQuarantine keeps the local copy aside, tagged with the owner.
	SignOutQuarantine
)
