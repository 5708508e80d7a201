// Package zipx extracts task archives with path-traversal protection.
package zipx

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extract unpacks the archive at zipPath into destDir. Entries escaping
// destDir (zip-slip) abort the extraction. Directory entries and parent
// directories are created as needed; file modes from the archive survive.
func Extract(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("op=zipx.Extract: %w", err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("op=zipx.Extract: %w", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("op=zipx.Extract: %w", err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("op=zipx.Extract: open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	mode := f.Mode()
	if mode == 0 {
		mode = 0o644
	}
	// #nosec G304 -- target is confined to destDir by safeJoin
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("op=zipx.Extract: create %s: %w", target, err)
	}
	defer func() { _ = out.Close() }()

	// Bound each entry copy; task archives hold text and small fixtures.
	if _, err := io.Copy(out, io.LimitReader(rc, 1<<30)); err != nil {
		return fmt.Errorf("op=zipx.Extract: write %s: %w", target, err)
	}
	return nil
}

// safeJoin joins name under dir and rejects any result escaping dir.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	if target != filepath.Clean(dir) && !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("op=zipx.Extract: illegal path %q", name)
	}
	return target, nil
}
