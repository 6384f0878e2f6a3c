package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/poll"
)

const lockRetryInterval = time.Second

// DefaultLockDir holds the per-build lock files.
func DefaultLockDir() string {
	return filepath.Join(os.TempDir(), "kiln-locks")
}

// acquireLock takes a file lock named after the build so two local runs for
// the same image do not replace each other's pod. A zero timeout tries once.
func acquireLock(ctx context.Context, dir, name string, timeout time.Duration, sleep func(time.Duration)) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := filepath.Join(dir, name+".lock")
	lock := flock.New(path)

	b := poll.Backoff{Interval: lockRetryInterval, Timeout: timeout, Sleep: sleep}
	err := b.Poll(ctx, func(context.Context) (bool, error) {
		ok, err := lock.TryLock()
		if err != nil {
			return false, fmt.Errorf("locking %s: %w", path, err)
		}
		if !ok {
			log.FromContext(ctx).Info("another local build holds the lock", "lock", path)
		}
		return ok, nil
	})
	switch {
	case err == nil:
		return lock, nil
	case errors.Is(err, poll.ErrTimeout):
		return nil, failure.Errorf(failure.JobCreateError, "another local build of %s is running (lock %s)", name, path)
	case ctx.Err() != nil:
		return nil, failure.New(failure.Interrupted, ctx.Err())
	}
	return nil, err
}
