package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofrs/flock"

	"github.com/diaglab/lims/internal/platform/db"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// FileLocker uses advisory file locks. It only serializes processes that
// share a filesystem, which is enough for single-host deployments without
// Redis.
type FileLocker struct {
	base string
	opts Options
}

// NewFileLocker derives one lock file per key from base, e.g. base
// /var/run/lims/maintenance.lock and key rebuild-appointment give
// /var/run/lims/maintenance-default-rebuild-appointment.lock.
func NewFileLocker(base string, opts Options) *FileLocker {
	return &FileLocker{base: base, opts: opts.withDefaults()}
}

func (l *FileLocker) path(ctx context.Context, key string) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = "default"
	}
	stem := strings.TrimSuffix(l.base, filepath.Ext(l.base))
	return fmt.Sprintf("%s-%s-%s.lock", stem, tenant, unsafeKeyChars.ReplaceAllString(key, "_"))
}

func (l *FileLocker) Obtain(ctx context.Context, key string) (Handle, error) {
	path := l.path(ctx, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(path)

	var (
		ok  bool
		err error
	)
	if l.opts.Wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, l.opts.Wait)
		defer cancel()
		ok, err = fl.TryLockContext(waitCtx, l.opts.RetryInterval)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = nil
		}
	} else {
		ok, err = fl.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	return fileHandle{fl}, nil
}

type fileHandle struct{ fl *flock.Flock }

func (h fileHandle) Release(context.Context) error {
	return h.fl.Unlock()
}
