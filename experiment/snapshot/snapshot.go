// Package snapshot persists experiment set snapshots outside the live
// synchronization channel. Two stores are provided: a SQL store keeping the
// full structural form per revision, and a directory store writing the
// CSV-per-experiment layout users keep under version control.
package snapshot

import (
	"context"
	"errors"

	"github.com/expkit/experimenter/experiment"
)

// ErrNoSnapshots is returned by Latest when the store holds no snapshots.
var ErrNoSnapshots = errors.New("no snapshots stored")

// Store persists and recovers experiment set snapshots.
type Store interface {
	// Save persists the set at its current revision.
	Save(ctx context.Context, set experiment.Set) error

	// Latest returns the snapshot with the highest stored revision.
	Latest(ctx context.Context) (experiment.Set, error)
}
