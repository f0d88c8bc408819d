// Package archive packs and unpacks workspace tarballs (tar + bzip2).
package archive

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

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dsnet/compress/bzip2"
)

// Suffix is the file extension used for workspace archives.
const Suffix = ".tbz2"

// ErrUnsafePath is returned when an archive member would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive member escapes destination")

// Match reports whether the slash-separated relative path matches any glob.
// An empty glob list matches everything.
func Match(globs []string, rel string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// Create writes a tar.bz2 of every entry below root whose relative path
// matches one of globs. Member names are "./"-relative.
func Create(tarball, root string, globs []string) (err error) {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("invalid glob %q", g)
		}
	}

	f, err := os.Create(tarball)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	bz, err := bzip2.NewWriter(f, nil)
	if err != nil {
		return fmt.Errorf("creating bzip2 writer: %w", err)
	}
	tw := tar.NewWriter(bz)

	absTarball, _ := filepath.Abs(tarball)
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if abs, _ := filepath.Abs(p); abs == absTarball {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !Match(globs, rel) {
			return nil
		}
		return addEntry(tw, p, rel, d)
	})
	if walkErr != nil {
		return fmt.Errorf("archiving %s: %w", root, walkErr)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := bz.Close(); err != nil {
		return fmt.Errorf("closing bzip2 stream: %w", err)
	}
	return nil
}

func addEntry(tw *tar.Writer, p, rel string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		// sockets, devices and pipes are not workspace content
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = "./" + rel
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	src, err := os.Open(p)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(tw, src)
	return err
}

// Extract unpacks a tar.bz2 into dest. When globs is non-empty only matching
// members are written.
func Extract(tarball, dest string, globs []string) ([]string, error) {
	var extracted []string
	err := walk(tarball, func(hdr *tar.Header, rel string, r io.Reader) error {
		if !Match(globs, rel) {
			return nil
		}
		if err := checkParents(dest, rel); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeSymlink {
			if err := checkLink(rel, hdr.Linkname); err != nil {
				return err
			}
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if err := writeMember(hdr, target, r); err != nil {
			return fmt.Errorf("extracting %s: %w", rel, err)
		}
		extracted = append(extracted, rel)
		return nil
	})
	return extracted, err
}

// List returns the member names of a tar.bz2.
func List(tarball string) ([]string, error) {
	var names []string
	err := walk(tarball, func(_ *tar.Header, rel string, _ io.Reader) error {
		names = append(names, rel)
		return nil
	})
	return names, err
}

func walk(tarball string, fn func(hdr *tar.Header, rel string, r io.Reader) error) error {
	f, err := os.Open(tarball)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	bz, err := bzip2.NewReader(f, nil)
	if err != nil {
		return fmt.Errorf("creating bzip2 reader: %w", err)
	}
	defer bz.Close()

	tr := tar.NewReader(bz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		rel, err := memberPath(hdr.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		if err := fn(hdr, rel, tr); err != nil {
			return err
		}
	}
}

// memberPath normalizes a member name to a clean relative path. The archive
// root itself maps to "".
func memberPath(name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return clean, nil
}

// checkParents rejects members whose parent directories inside dest go
// through a symlink, so nothing is ever written behind a link.
func checkParents(dest, rel string) error {
	dir := path.Dir(rel)
	if dir == "." {
		return nil
	}
	prefix := ""
	for _, part := range strings.Split(dir, "/") {
		prefix = path.Join(prefix, part)
		fi, err := os.Lstat(filepath.Join(dest, filepath.FromSlash(prefix)))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s goes through symlink %s", ErrUnsafePath, rel, prefix)
		}
	}
	return nil
}

// checkLink rejects symlink members pointing outside the archive root.
func checkLink(rel, link string) error {
	if link == "" || path.IsAbs(link) || filepath.IsAbs(link) {
		return fmt.Errorf("%w: %s -> %s", ErrUnsafePath, rel, link)
	}
	resolved := path.Join(path.Dir(rel), link)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return fmt.Errorf("%w: %s -> %s", ErrUnsafePath, rel, link)
	}
	return nil
}

func writeMember(hdr *tar.Header, target string, r io.Reader) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		// a symlink already sitting at target is replaced, never followed
		if fi, err := os.Lstat(target); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
			if err := os.Remove(target); err != nil {
				return err
			}
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	default:
		return nil
	}
}

// Filter rewrites tarball in place so it only holds members matching globs.
func Filter(tarball string, globs []string) (err error) {
	if len(globs) == 0 {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(tarball), "filter-*"+Suffix)
	if err != nil {
		return fmt.Errorf("creating filtered archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bz, err := bzip2.NewWriter(tmp, nil)
	if err != nil {
		return fmt.Errorf("creating bzip2 writer: %w", err)
	}
	tw := tar.NewWriter(bz)

	err = walk(tarball, func(hdr *tar.Header, rel string, r io.Reader) error {
		if !Match(globs, rel) {
			return nil
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := io.Copy(tw, r)
		return err
	})
	if err != nil {
		return err
	}
	if err = tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err = bz.Close(); err != nil {
		return fmt.Errorf("closing bzip2 stream: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), tarball)
}
