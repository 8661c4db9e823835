// Package temp lays out local staging directories. Every batch stages its
// manifest and inputs under one root, so a run cleans up with a single Remove.
package temp

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// TempDir is a directory on local disk, possibly nested in another TempDir.
type TempDir struct {
	Dir string
}

// NewTempDir makes a uniquely named directory under parent (os.TempDir when empty).
func NewTempDir(parent, prefix string) (*TempDir, error) {
	p, err := os.MkdirTemp(parent, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "making temp dir")
	}
	return &TempDir{Dir: p}, nil
}

// TempDirDefault is NewTempDir under os.TempDir with the gpubatch prefix.
func TempDirDefault() (*TempDir, error) {
	return NewTempDir("", "gpubatch-tmp-")
}

// TempDir makes a uniquely named child.
func (d *TempDir) TempDir(prefix string) (*TempDir, error) {
	return NewTempDir(d.Dir, prefix)
}

// FixedDir returns the child called name, creating it if needed.
func (d *TempDir) FixedDir(name string) (*TempDir, error) {
	p, err := d.child(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p, 0o777); err != nil {
		return nil, errors.Wrapf(err, "making %s", p)
	}
	return &TempDir{Dir: p}, nil
}

// WriteFile writes data to the child file called name and returns its path.
func (d *TempDir) WriteFile(name string, data []byte) (string, error) {
	p, err := d.child(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0o666); err != nil {
		return "", errors.Wrapf(err, "writing %s", p)
	}
	return p, nil
}

func (d *TempDir) Path(name string) string {
	return filepath.Join(d.Dir, name)
}

func (d *TempDir) Remove() error {
	return os.RemoveAll(d.Dir)
}

// child resolves a single path element; nested or empty names are rejected.
func (d *TempDir) child(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) {
		return "", errors.Errorf("invalid name %q under %s", name, d.Dir)
	}
	return d.Path(name), nil
}
