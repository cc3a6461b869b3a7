package cache

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	serializer "github.com/always-cache/replay/pkg/response-serializer"
)

const fixtureExt = ".http"

// DirStore keeps one fixture per file in a directory.
// Files hold the HTTP/1.1 text of the recorded response, so they can be
// reviewed and edited by hand, and checked in next to the tests using them.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// Path returns the file a fixture with the given key is stored in.
func (d *DirStore) Path(key string) string {
	return filepath.Join(d.dir, url.PathEscape(key)+fixtureExt)
}

func (d *DirStore) Get(_ context.Context, key string) (Fixture, bool, error) {
	bytes, err := os.ReadFile(d.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return Fixture{}, false, nil
	}
	if err != nil {
		return Fixture{}, false, err
	}
	f, err := serializer.WireToFixture(bytes)
	if err != nil {
		return Fixture{}, false, err
	}
	return f, true, nil
}

// Put writes the fixture to a temporary file and then renames it,
// readers never see a partially written fixture.
func (d *DirStore) Put(_ context.Context, entry CacheEntry) error {
	bytes, err := serializer.FixtureToWire(entry.Fixture)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	path := d.Path(entry.Key)
	f, err := os.CreateTemp(d.dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	_, err = f.Write(bytes)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(f.Name(), path)
	}
	if err != nil {
		os.Remove(f.Name())
	}
	return err
}

func (d *DirStore) Has(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(d.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d *DirStore) AllKeys(_ context.Context, prefix string, cb func(string)) error {
	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fixtureExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fixtureExt))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			cb(key)
		}
	}
	return nil
}

func (d *DirStore) Purge(_ context.Context, key string) error {
	err := os.Remove(d.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
