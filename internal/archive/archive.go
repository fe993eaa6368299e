// Package archive extracts tar/zip archives with path-traversal protection:
// entries escaping the target, symlinked entries, and upward traversal after
// stripComponents are all refused.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	. "github.com/openclaw/openclaw/internal/logging"
)

// Options controls extraction.
type Options struct {
	// StripComponents removes the leading N path elements from each entry.
	StripComponents int
	// MaxFileBytes bounds a single extracted file (0 = 512MB default).
	MaxFileBytes int64
}

const defaultMaxFileBytes = 512 << 20

// ExtractTar extracts a (possibly gzipped) tar stream into targetDir.
func ExtractTar(r io.Reader, targetDir string, opts Options) error {
	br := bufio.NewReader(r)
	r = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("archive entry %q is a link: refusing extraction", hdr.Name)
		case tar.TypeDir, tar.TypeReg:
		default:
			L_debug("archive: skipping special entry", "name", hdr.Name, "type", hdr.Typeflag)
			continue
		}

		dest, ok, err := resolveEntry(targetDir, hdr.Name, opts.StripComponents)
		if err != nil {
			return err
		}
		if !ok {
			continue // entry fully consumed by stripComponents
		}

		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("failed to create dir: %w", err)
			}
			continue
		}

		if err := writeFile(dest, tr, hdr.FileInfo().Mode().Perm(), opts); err != nil {
			return err
		}
	}
}

// ExtractZip extracts a zip archive into targetDir.
func ExtractZip(zr *zip.Reader, targetDir string, opts Options) error {
	for _, f := range zr.File {
		if f.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %q is a symlink: refusing extraction", f.Name)
		}

		dest, ok, err := resolveEntry(targetDir, f.Name, opts.StripComponents)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("failed to create dir: %w", err)
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry: %w", err)
		}
		err = writeFile(dest, rc, f.Mode().Perm(), opts)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// resolveEntry validates one entry name and resolves its destination path.
// Refuses absolute paths, any path whose cleaned form escapes targetDir, and
// any path that traverses upward after stripComponents.
func resolveEntry(targetDir, name string, strip int) (dest string, ok bool, err error) {
	name = filepath.ToSlash(name)
	if strings.HasPrefix(name, "/") {
		return "", false, fmt.Errorf("archive entry %q is absolute: refusing extraction", name)
	}

	parts := strings.Split(strings.Trim(name, "/"), "/")
	if strip >= len(parts) {
		return "", false, nil
	}
	parts = parts[strip:]
	for _, p := range parts {
		if p == ".." {
			return "", false, fmt.Errorf("archive entry %q traverses upward: refusing extraction", name)
		}
	}

	rel := filepath.Join(parts...)
	dest = filepath.Join(targetDir, rel)

	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return "", false, err
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return "", false, err
	}
	if absDest != absTarget && !strings.HasPrefix(absDest, absTarget+string(filepath.Separator)) {
		return "", false, fmt.Errorf("archive entry %q escapes target: refusing extraction", name)
	}
	return dest, true, nil
}

func writeFile(dest string, r io.Reader, perm os.FileMode, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0200)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if n > maxBytes {
		os.Remove(dest)
		return fmt.Errorf("archive entry exceeds size limit (%d bytes)", maxBytes)
	}
	return nil
}
