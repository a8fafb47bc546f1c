package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	tmpDir   = "tmp"
	lockFile = "server.lock"
)

// dirMedium stores each collection as a directory of JSON files.
//
// A record is written under tmp/, synced, and only then linked or renamed
// into its collection, so the external agent never reads a partial file.
// Exclusive creation uses link(2), which fails if the target exists.
type dirMedium struct {
	root string

	mu   sync.Mutex
	held *os.File
}

// OpenDir opens (creating if needed) a filesystem queue rooted at root.
func OpenDir(root string, opts ...Option) (*Queue, error) {
	for _, sub := range []string{CollectionJobs, CollectionResponses, CollectionAcks, CollectionErrors, tmpDir} {
		if err := ensureDirDurable(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("open queue %s: %w", root, err)
		}
	}
	return newQueue(&dirMedium{root: root}, opts...), nil
}

func (d *dirMedium) path(coll, name string) string {
	return filepath.Join(d.root, coll, name)
}

func (d *dirMedium) put(_ context.Context, coll, name, _ string, data []byte, exclusive bool) (bool, error) {
	tmpName, err := d.writeTemp(name, data)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmpName)

	target := d.path(coll, name)
	if exclusive {
		if err := os.Link(tmpName, target); err != nil {
			if errors.Is(err, os.ErrExist) {
				return false, nil
			}
			return false, err
		}
	} else if err := os.Rename(tmpName, target); err != nil {
		return false, err
	}
	return true, fsyncDir(filepath.Join(d.root, coll))
}

// writeTemp writes data to a synced file under tmp/ and returns its path.
func (d *dirMedium) writeTemp(name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Join(d.root, tmpDir), name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return "", err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	committed = true
	return tmpName, nil
}

func (d *dirMedium) get(_ context.Context, coll, name string) ([]byte, error) {
	data, err := os.ReadFile(d.path(coll, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (d *dirMedium) list(_ context.Context, coll string) ([]entry, error) {
	dirEntries, err := os.ReadDir(filepath.Join(d.root, coll))
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !isRecordName(de.Name()) {
			continue
		}
		info, err := de.Info()
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(d.path(coll, de.Name()))
		if errors.Is(err, os.ErrNotExist) {
			// Consumed between ReadDir and ReadFile.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entry{Name: de.Name(), Data: data, At: info.ModTime().UTC()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (d *dirMedium) remove(_ context.Context, coll, name string) error {
	err := os.Remove(d.path(coll, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return fsyncDir(filepath.Join(d.root, coll))
}

// lock takes a non-blocking exclusive flock on server.lock. The lock is
// released by close or by process exit.
func (d *dirMedium) lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(d.root, lockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("lock queue: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("lock queue %s: %w", d.root, ErrLocked)
		}
		return fmt.Errorf("lock queue: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	d.held = f
	return nil
}

func (d *dirMedium) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held == nil {
		return nil
	}
	_ = unix.Flock(int(d.held.Fd()), unix.LOCK_UN)
	err := d.held.Close()
	d.held = nil
	return err
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		return fsyncDir(parent)
	}
	return nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
