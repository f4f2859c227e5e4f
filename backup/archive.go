// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// ErrUnsafePath is returned for archive entries which would be written outside the target directory.
var ErrUnsafePath = errors.New("archive entry escapes the target directory")

// Archive stores a directory tree as a zstd-compressed tarball.
type Archive struct {
	path   string
	logger *zap.Logger
}

// NewArchive creates a new Archive at path.
func NewArchive(path string, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Archive{path: path, logger: logger}
}

// Path returns the archive location.
func (a *Archive) Path() string {
	return a.path
}

// Create archives the contents of dir.
//
// Regular files, directories and symlinks are stored with their modes, owners and mtimes.
func (a *Archive) Create(ctx context.Context, dir string) (err error) {
	f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}

		if err != nil {
			os.Remove(a.path) //nolint:errcheck
		}
	}()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(enc)

	var entries int

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		entries++

		return addEntry(tw, path, filepath.ToSlash(rel), d)
	})
	if err != nil {
		enc.Close() //nolint:errcheck

		return fmt.Errorf("failed to archive %q: %w", dir, err)
	}

	if err = tw.Close(); err != nil {
		enc.Close() //nolint:errcheck

		return err
	}

	if err = enc.Close(); err != nil {
		return err
	}

	a.logger.Info("archive created", zap.String("path", a.path), zap.String("source", dir), zap.Int("entries", entries))

	return f.Sync()
}

func addEntry(tw *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string

	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}

	hdr.Name = name

	if info.IsDir() {
		hdr.Name += "/"
	}

	if err = tw.WriteHeader(hdr); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}

	defer src.Close() //nolint:errcheck

	_, err = io.Copy(tw, src)

	return err
}

// Extract restores the archive into dir.
func (a *Archive) Extract(ctx context.Context, dir string) error {
	f, err := os.Open(a.path)
	if err != nil {
		return err
	}

	defer f.Close() //nolint:errcheck

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}

	defer dec.Close()

	tr := tar.NewReader(dec)

	type dirTime struct {
		path  string
		mtime time.Time
	}

	var dirs []dirTime

	for {
		if err = ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("failed to read archive %q: %w", a.path, err)
		}

		target, err := securePath(dir, hdr.Name)
		if err != nil {
			return err
		}

		if err = extractEntry(tr, hdr, target); err != nil {
			return fmt.Errorf("failed to extract %q: %w", hdr.Name, err)
		}

		if hdr.Typeflag == tar.TypeDir {
			dirs = append(dirs, dirTime{path: target, mtime: hdr.ModTime})
		}
	}

	// directory mtimes are changed by the entries extracted into them
	for i := len(dirs) - 1; i >= 0; i-- {
		if err = os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime); err != nil {
			return err
		}
	}

	a.logger.Info("archive extracted", zap.String("path", a.path), zap.String("target", dir))

	return nil
}

// Remove deletes the archive.
func (a *Archive) Remove() error {
	return os.Remove(a.path)
}

// securePath maps an archive entry name into dir.
//
// Names leaving dir are rejected, as are names whose parent directories
// (already extracted) include a symlink.
func securePath(dir, name string) (string, error) {
	dir = filepath.Clean(dir)
	target := filepath.Join(dir, filepath.FromSlash(name))

	if target == dir {
		return target, nil
	}

	if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	parent := dir

	for _, elem := range strings.Split(strings.TrimPrefix(filepath.Dir(target), dir), string(filepath.Separator)) {
		if elem == "" {
			continue
		}

		parent = filepath.Join(parent, elem)

		st, err := os.Lstat(parent)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}

		if err != nil {
			return "", err
		}

		if st.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %q is below symlink %q", ErrUnsafePath, name, parent)
		}
	}

	return target, nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, target string) error {
	mode := hdr.FileInfo().Mode()

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o700); err != nil {
			return err
		}
	case tar.TypeSymlink:
		os.Remove(target) //nolint:errcheck

		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}

		return chown(target, hdr)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		// replace a symlink left at target instead of writing through it
		if st, err := os.Lstat(target); err == nil && st.Mode()&fs.ModeSymlink != 0 {
			if err = os.Remove(target); err != nil {
				return err
			}
		}

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}

		if _, err = io.Copy(out, tr); err != nil {
			out.Close() //nolint:errcheck

			return err
		}

		if err = out.Close(); err != nil {
			return err
		}
	default:
		return nil
	}

	if err := chown(target, hdr); err != nil {
		return err
	}

	if err := os.Chmod(target, mode.Perm()|mode&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)); err != nil {
		return err
	}

	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

func chown(target string, hdr *tar.Header) error {
	if os.Geteuid() != 0 {
		return nil
	}

	return os.Lchown(target, hdr.Uid, hdr.Gid)
}
