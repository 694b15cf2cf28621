package kss

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agrisense-io/agrisense/core/logger"
)

// LocalFilesystem is the local filesystem implementation of the Driver
type LocalFilesystem struct {
	basePath string
}

// NewLocalFilesystem returns a new local filesystem driver rooted at
// the configured base path. The base path is created if it does not
// exist yet.
func NewLocalFilesystem(config LocalConfiguration) (*LocalFilesystem, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("BasePath must not be empty")
	}
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create base path %s: %w", config.BasePath, err)
	}
	logger.Default().Debugln("local blob storage enabled at", config.BasePath)
	return &LocalFilesystem{basePath: config.BasePath}, nil
}

// keys address content relative to the base path; reject anything that
// could escape it
func (l *LocalFilesystem) path(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %s", key)
	}
	return filepath.Join(l.basePath, filepath.FromSlash(key)), nil
}

// Put stores data under key
func (l *LocalFilesystem) Put(ctx context.Context, key string, data []byte) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Get returns the content stored under key
func (l *LocalFilesystem) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Delete deletes the key file
func (l *LocalFilesystem) Delete(ctx context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeleteAllWithPrefix deletes all keys starting with prefix
func (l *LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	path, err := l.path(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}
