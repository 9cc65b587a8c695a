package installer

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// extractTarGz unpacks a gzip compressed tarball into dir, dropping the first strip path
// components of every entry. Entries that would land outside dir are rejected, including
// entries reaching outside through symlinks created by earlier entries.
func extractTarGz(archive string, dir string, strip int) error {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}

	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading gzip stream of %s: %w", archive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream of %s: %w", archive, err)
		}
		if err := extractEntry(tr, header, root, strip); err != nil {
			return err
		}
	}
}

// stripComponents removes the first n elements of a slash separated tar path. It returns
// false when nothing remains.
func stripComponents(name string, n int) (string, bool) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		return "", false
	}
	parts := strings.Split(name, "/")
	if len(parts) <= n {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}

func extractEntry(r io.Reader, header *tar.Header, root string, strip int) error {
	switch header.Typeflag {
	case tar.TypeXGlobalHeader, tar.TypeXHeader:
		return nil
	}

	rel, ok := stripComponents(header.Name, strip)
	if !ok {
		return nil
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return fmt.Errorf("archive entry %q escapes the install directory", header.Name)
	}
	target, err := resolveEntry(root, rel)
	if err != nil {
		return fmt.Errorf("archive entry %q: %w", header.Name, err)
	}
	mode := header.FileInfo().Mode().Perm()

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, mode|0o700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := removeSymlink(target); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	case tar.TypeSymlink:
		linked := filepath.Join(filepath.Dir(target), filepath.FromSlash(header.Linkname))
		if filepath.IsAbs(header.Linkname) || !isWithin(root, linked) {
			return fmt.Errorf("archive symlink %q points outside the install directory", header.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(header.Linkname, target)
	case tar.TypeLink:
		linkRel, ok := stripComponents(header.Linkname, strip)
		if !ok || !filepath.IsLocal(filepath.FromSlash(linkRel)) {
			return fmt.Errorf("archive hard link %q points outside the install directory", header.Name)
		}
		source, err := resolveEntry(root, linkRel)
		if err != nil {
			return fmt.Errorf("archive hard link %q: %w", header.Name, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Link(source, target)
	default:
		// Devices, fifos and the like have no place in a release tarball.
		return nil
	}
}

// resolveEntry maps the slash separated rel below root to a path whose parent has every
// existing symlink resolved. It fails when that parent lies outside root.
func resolveEntry(root, rel string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(rel))
	parent := filepath.Dir(target)

	missing := ""
	for {
		_, err := os.Lstat(parent)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		missing = filepath.Join(filepath.Base(parent), missing)
		parent = filepath.Dir(parent)
	}

	real, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", err
	}
	real = filepath.Join(real, missing)
	if !isWithin(root, real) {
		return "", errors.New("path leads outside the install directory")
	}
	return filepath.Join(real, filepath.Base(target)), nil
}

// removeSymlink deletes p if it is a symlink, so writing to p cannot follow it.
func removeSymlink(p string) error {
	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return os.Remove(p)
	}
	return nil
}

func isWithin(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || filepath.IsLocal(rel)
}
