package nbuild

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TimeStamp is a modification time in nanoseconds since the epoch. Zero
// means the file does not exist.
type TimeStamp int64

const Missing TimeStamp = 0

// DiskInterface is the file system as seen by the scanner and builder,
// so tests can swap in a virtual one.
type DiskInterface interface {
	// Stat returns Missing (and no error) for files that do not exist.
	Stat(path string) (TimeStamp, error)
	// ReadFile returns an error matching os.ErrNotExist for missing files.
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, contents []byte) error
	// MakeDirs creates every missing parent directory of path.
	MakeDirs(path string) error
	// RemoveFile behaves like rm -f and reports whether something was removed.
	RemoveFile(path string) (bool, error)
}

const statCacheSize = 1 << 16

// RealDiskInterface implements DiskInterface on the local file system.
// Stat results are cached until AllowStatCache(false) or a write through
// this interface touches the path.
type RealDiskInterface struct {
	useCache bool
	cache    *lru.Cache[string, TimeStamp]
}

func NewRealDiskInterface() *RealDiskInterface {
	cache, err := lru.New[string, TimeStamp](statCacheSize)
	if err != nil {
		panic(err)
	}
	return &RealDiskInterface{useCache: true, cache: cache}
}

// AllowStatCache toggles caching; disabling also drops cached entries.
func (d *RealDiskInterface) AllowStatCache(allow bool) {
	d.useCache = allow
	if !allow {
		d.cache.Purge()
	}
}

func (d *RealDiskInterface) Stat(path string) (TimeStamp, error) {
	if d.useCache {
		if mtime, ok := d.cache.Get(path); ok {
			return mtime, nil
		}
	}
	mtime, err := statFile(path)
	if err != nil {
		return Missing, err
	}
	if d.useCache {
		d.cache.Add(path, mtime)
	}
	return mtime, nil
}

func statFile(path string) (TimeStamp, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return Missing, nil
		}
		return Missing, fmt.Errorf("stat(%s): %w", path, err)
	}
	mtime := TimeStamp(fi.ModTime().UnixNano())
	// Some file systems report the epoch; keep it distinguishable from Missing.
	if mtime == Missing {
		mtime = 1
	}
	return mtime, nil
}

func (d *RealDiskInterface) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (d *RealDiskInterface) WriteFile(path string, contents []byte) error {
	d.cache.Remove(path)
	if err := os.WriteFile(path, contents, 0o664); err != nil {
		return fmt.Errorf("WriteFile(%s): %w", path, err)
	}
	return nil
}

func (d *RealDiskInterface) MakeDirs(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return fmt.Errorf("mkdir(%s): %w", dir, err)
	}
	return nil
}

func (d *RealDiskInterface) RemoveFile(path string) (bool, error) {
	d.cache.Remove(path)
	err := os.Remove(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("remove(%s): %w", path, err)
}
