// Package storage keeps uploaded inputs and conversion results on the local
// filesystem. Paths handed out are relative to the root so they survive a
// change of mount point.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidPath = errors.New("invalid storage path")

type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// SaveInput stores an uploaded file under inputs/<user>/<task>/.
func (l *Local) SaveInput(userID, taskID uuid.UUID, name string, r io.Reader) (string, int64, error) {
	return l.save(filepath.Join("inputs", userID.String(), taskID.String(), cleanName(name)), r)
}

// SaveResult stores a conversion output under results/<user>/<task>/.
func (l *Local) SaveResult(userID, taskID uuid.UUID, name string, r io.Reader) (string, int64, error) {
	return l.save(filepath.Join("results", userID.String(), taskID.String(), cleanName(name)), r)
}

func (l *Local) save(rel string, r io.Reader) (string, int64, error) {
	full := filepath.Join(l.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return filepath.ToSlash(rel), n, nil
}

// Open returns the stored file at a path previously returned by a Save call.
func (l *Local) Open(rel string) (*os.File, error) {
	full, err := l.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// Remove deletes a stored file. Missing files are not an error.
func (l *Local) Remove(rel string) error {
	full, err := l.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", ErrInvalidPath
	}
	full := filepath.Join(l.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}

func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" || name == ".." {
		return "file"
	}
	return name
}
