// Package snapshots holds Filer implementations.
package snapshots

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// LocalFiler treats a directory on this host as the backend filesystem.
// Remote paths are interpreted relative to Root (or as-is when Root is empty).
// It pairs with a remote execer running without a host.
type LocalFiler struct {
	Root string
}

func NewLocalFiler(root string) *LocalFiler {
	return &LocalFiler{Root: root}
}

func (f *LocalFiler) resolve(remote string) string {
	if f.Root == "" {
		return filepath.FromSlash(remote)
	}
	return filepath.Join(f.Root, filepath.FromSlash(remote))
}

func (f *LocalFiler) Upload(ctx context.Context, localPaths []string, remoteDir string) error {
	dir := f.resolve(remoteDir)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	for _, p := range localPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyFile(p, filepath.Join(dir, filepath.Base(p))); err != nil {
			return err
		}
	}
	return nil
}

func (f *LocalFiler) Download(ctx context.Context, remoteDir, localDir string) ([]string, error) {
	src := f.resolve(remoteDir)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil, nil
	}
	var names []string
	err := filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(localDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
			return err
		}
		if err := copyFile(p, dst); err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "downloading %s", remoteDir)
	}
	sort.Strings(names)
	return names, nil
}

// copyFile hard links src to dst when possible and copies otherwise.
func copyFile(src, dst string) error {
	os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copying %s", src)
	}
	return out.Close()
}

// CopyFile is exported for staging local inputs the same way uploads are done.
func CopyFile(src, dst string) error {
	return copyFile(src, dst)
}
