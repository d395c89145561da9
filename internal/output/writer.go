// Package output writes the raid snapshot document to disk.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/raid-snapshot/internal/hash/sha256"
	"github.com/JakeFAU/raid-snapshot/internal/raids"
)

const filePerm = 0o644

// IOError reports a failure to produce the snapshot file.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Result describes a written snapshot.
type Result struct {
	Path   string
	Count  int
	Data   []byte
	Digest string
}

// Encode renders entries as a two-space indented JSON array with a trailing
// newline. Non-ASCII and HTML characters are written as-is.
func Encode(entries []raids.Entry) ([]byte, error) {
	if entries == nil {
		entries = []raids.Entry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("encode raid entries: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteEntries encodes entries and atomically replaces path with the result.
// The parent directory must already exist.
func WriteEntries(path string, entries []raids.Entry) (Result, error) {
	if strings.TrimSpace(path) == "" {
		return Result{}, &IOError{Path: path, Op: "write", Err: fmt.Errorf("output path is required")}
	}
	data, err := Encode(entries)
	if err != nil {
		return Result{}, &IOError{Path: path, Op: "encode", Err: err}
	}
	if err := writeAtomic(path, data); err != nil {
		return Result{}, err
	}
	return Result{
		Path:   path,
		Count:  len(entries),
		Data:   data,
		Digest: sha256.Tagged(data),
	}, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &IOError{Path: path, Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &IOError{Path: path, Op: "write", Err: err}
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return &IOError{Path: path, Op: "chmod", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &IOError{Path: path, Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Path: path, Op: "close", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &IOError{Path: path, Op: "rename", Err: err}
	}
	committed = true
	return nil
}
