package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Disk is a directory of persisted responses keyed by hash. Conversation
// data never lives here.
type Disk struct {
	name string
	dir  string
}

// NewDisk creates dir if needed.
func NewDisk(name, dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Disk{name: name, dir: dir}, nil
}

// Name implements memgov.Purger.
func (d *Disk) Name() string { return d.name }

// Dir returns the cache directory.
func (d *Disk) Dir() string { return d.dir }

func (d *Disk) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:]))
}

// Get returns the stored value for key.
func (d *Disk) Get(key string) ([]byte, bool) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set writes value for key.
func (d *Disk) Set(key string, value []byte) error {
	tmp, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("commit entry: %w", err)
	}
	return nil
}

// Purge implements memgov.Purger. Every entry is attempted; failures are
// joined.
func (d *Disk) Purge(ctx context.Context) error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("list cache dir: %w", err)
	}
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := os.RemoveAll(filepath.Join(d.dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
