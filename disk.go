package memoryjar

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/xerrors"

	"github.com/modernistik/MemoryJar/commons"
	"github.com/modernistik/MemoryJar/utils"
)

const tempFileInfix string = ".tmp."

// diskStore is the flat-directory disk layer of a jar. One file per record,
// named by the key digest; the file modification time is the record clock.
type diskStore struct {
	rootPath string
}

// newDiskStore creates the cache root directory if it does not exist yet
func newDiskStore(rootPath string) (*diskStore, error) {
	err := os.MkdirAll(rootPath, 0777)
	if err != nil {
		return nil, xerrors.Errorf("failed to make the cache root %q: %w", rootPath, err)
	}

	return &diskStore{
		rootPath: rootPath,
	}, nil
}

func (store *diskStore) GetRootPath() string {
	return store.rootPath
}

// Write publishes a record file atomically and stamps its modification time.
// Readers never observe a half-written record; the content appears under its
// final name only via rename.
func (store *diskStore) Write(name string, data []byte, modTime time.Time) error {
	filePath := utils.JoinPath(store.rootPath, name)
	tempPath := utils.JoinPath(store.rootPath, fmt.Sprintf("%s%s%s", name, tempFileInfix, xid.New().String()))

	err := os.WriteFile(tempPath, data, 0666)
	if err != nil {
		return xerrors.Errorf("failed to write the record file %q: %w", tempPath, err)
	}

	err = os.Rename(tempPath, filePath)
	if err != nil {
		os.Remove(tempPath)
		return xerrors.Errorf("failed to publish the record file %q: %w", filePath, err)
	}

	err = os.Chtimes(filePath, modTime, modTime)
	if err != nil {
		return xerrors.Errorf("failed to set the timestamp of the record file %q: %w", filePath, err)
	}

	return nil
}

// Read returns the full content of a record file
func (store *diskStore) Read(name string) ([]byte, error) {
	filePath := utils.JoinPath(store.rootPath, name)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, xerrors.Errorf("failed to read the record file %q: %w", filePath, commons.NewCacheEntryNotFoundError(name))
		}
		return nil, xerrors.Errorf("failed to read the record file %q: %w", filePath, err)
	}

	return data, nil
}

// ModTime returns the modification time of a record file
func (store *diskStore) ModTime(name string) (time.Time, error) {
	filePath := utils.JoinPath(store.rootPath, name)

	stat, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, xerrors.Errorf("failed to stat the record file %q: %w", filePath, commons.NewCacheEntryNotFoundError(name))
		}
		return time.Time{}, xerrors.Errorf("failed to stat the record file %q: %w", filePath, err)
	}

	return stat.ModTime(), nil
}

// Touch moves a record file's modification time forward without altering
// its content
func (store *diskStore) Touch(name string, modTime time.Time) error {
	filePath := utils.JoinPath(store.rootPath, name)

	err := os.Chtimes(filePath, modTime, modTime)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return xerrors.Errorf("failed to touch the record file %q: %w", filePath, commons.NewCacheEntryNotFoundError(name))
		}
		return xerrors.Errorf("failed to touch the record file %q: %w", filePath, err)
	}

	return nil
}

// Remove deletes a record file. Removing a record that is already gone is
// not an error.
func (store *diskStore) Remove(name string) error {
	filePath := utils.JoinPath(store.rootPath, name)

	err := os.Remove(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Errorf("failed to remove the record file %q: %w", filePath, err)
	}

	return nil
}

// RemoveAll deletes every record by recreating the cache root
func (store *diskStore) RemoveAll() error {
	err := os.RemoveAll(store.rootPath)
	if err != nil {
		return xerrors.Errorf("failed to remove the cache root %q: %w", store.rootPath, err)
	}

	err = os.MkdirAll(store.rootPath, 0777)
	if err != nil {
		return xerrors.Errorf("failed to make the cache root %q: %w", store.rootPath, err)
	}

	return nil
}

// List enumerates record files directly under the cache root. Subdirectories
// and unpublished temp files are not part of the cache.
func (store *diskStore) List() ([]metadataRef, error) {
	dirEntries, err := os.ReadDir(store.rootPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to list the cache root %q: %w", store.rootPath, err)
	}

	refs := []metadataRef{}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}

		name := dirEntry.Name()
		if strings.Contains(name, tempFileInfix) {
			continue
		}

		info, err := dirEntry.Info()
		if err != nil {
			// the file vanished between listing and stat
			continue
		}

		refs = append(refs, metadataRef{
			name:    name,
			modTime: info.ModTime(),
			size:    info.Size(),
		})
	}

	return refs, nil
}

// RootModTime returns the modification time of the cache root directory
// itself, which advances whenever a record file is added or removed
func (store *diskStore) RootModTime() (time.Time, error) {
	stat, err := os.Stat(store.rootPath)
	if err != nil {
		return time.Time{}, xerrors.Errorf("failed to stat the cache root %q: %w", store.rootPath, err)
	}

	return stat.ModTime(), nil
}
