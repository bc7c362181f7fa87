package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStore keeps objects as files under a root directory.
type LocalStore struct {
	log  *slog.Logger
	root string
}

func NewLocalStore(log *slog.Logger, root string) (*LocalStore, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if root == "" {
		return nil, errors.New("root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root %s: %w", root, err)
	}
	return &LocalStore{log: log, root: root}, nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateKey(key); err != nil {
		return false, err
	}
	info, err := os.Stat(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, classifyFSError(key, err, CodeReadFailed)
	}
	return !info.IsDir(), nil
}

// Put writes to a temporary file next to the target and renames it into place.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	full := s.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return classifyFSError(key, err, CodeWriteFailed)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-"+filepath.Base(full)+"-*")
	if err != nil {
		return classifyFSError(key, err, CodeWriteFailed)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return classifyFSError(key, err, CodeWriteFailed)
	}
	if err := tmp.Close(); err != nil {
		return classifyFSError(key, err, CodeWriteFailed)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return classifyFSError(key, err, CodeWriteFailed)
	}

	s.log.Debug("objstore: object written", "backend", BackendLocal, "key", key, "bytes", len(data))
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, classifyFSError(key, err, CodeReadFailed)
	}
	return data, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, classifyFSError(prefix, err, CodeReadFailed)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func classifyFSError(key string, err error, fallback string) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return wrapError(CodeObjectNotFound, key, false, err)
	case errors.Is(err, fs.ErrPermission):
		return wrapError(CodePermissionDenied, key, false, err)
	}
	return wrapError(fallback, key, false, err)
}
