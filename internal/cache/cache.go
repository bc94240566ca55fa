// Package cache implements the goal cache collaborator: an archive
// store consulted before and after goal execution to skip or persist
// expensive outputs. Entries are keyed by goal-set id and classifier.
package cache

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrNoCacheEntry is returned by Retrieve when no archive exists for
// the requested classifier.
var ErrNoCacheEntry = errors.New("no cache entry")

// GoalCache is the collaborator interface goals use to skip or persist
// expensive outputs.
type GoalCache interface {
	Put(ctx context.Context, goalSetID, projectDir string, files []string, classifier string) error
	Retrieve(ctx context.Context, goalSetID, projectDir, classifier string) error
	Remove(ctx context.Context, goalSetID, classifier string) error
}

// DirCache stores entries as tar+zstd archives under Root, one
// subdirectory per goal-set.
type DirCache struct {
	Root string
}

func NewDirCache(root string) *DirCache {
	return &DirCache{Root: root}
}

func (c *DirCache) entryPath(goalSetID, classifier string) string {
	// Classifiers may contain path separators; flatten them so every
	// entry stays inside the goal-set directory.
	name := strings.ReplaceAll(classifier, string(os.PathSeparator), "_") + ".tar.zst"
	return filepath.Join(c.Root, goalSetID, name)
}

// Classifiers lists the stored entry classifiers for a goal-set, in
// lexical order. Flattened path separators are not reversed; callers
// treat classifiers as opaque labels.
func (c *DirCache) Classifiers(goalSetID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.Root, goalSetID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".tar.zst") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".tar.zst"))
	}
	return out, nil
}

// Put archives the named files (paths relative to projectDir) into a
// single entry. The archive is written to a temp file and renamed so a
// failed write never leaves a partial entry behind.
func (c *DirCache) Put(ctx context.Context, goalSetID, projectDir string, files []string, classifier string) error {
	if len(files) == 0 {
		return fmt.Errorf("cache put %s: no files", classifier)
	}
	target := c.entryPath(goalSetID, classifier)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("cache put %s: %w", classifier, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return fmt.Errorf("cache put %s: %w", classifier, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		return fmt.Errorf("cache put %s: %w", classifier, err)
	}
	tw := tar.NewWriter(enc)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, projectDir, rel); err != nil {
			return fmt.Errorf("cache put %s: %w", classifier, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("cache put %s: %w", classifier, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("cache put %s: %w", classifier, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache put %s: %w", classifier, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("cache put %s: %w", classifier, err)
	}
	return nil
}

func addFile(tw *tar.Writer, projectDir, rel string) error {
	full := filepath.Join(projectDir, rel)
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(full)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := addFile(tw, projectDir, filepath.Join(rel, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Retrieve extracts the classifier's archive into projectDir. Returns
// ErrNoCacheEntry when the entry does not exist.
func (c *DirCache) Retrieve(ctx context.Context, goalSetID, projectDir, classifier string) error {
	f, err := os.Open(c.entryPath(goalSetID, classifier))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("cache retrieve %s: %w", classifier, ErrNoCacheEntry)
		}
		return fmt.Errorf("cache retrieve %s: %w", classifier, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("cache retrieve %s: %w", classifier, err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cache retrieve %s: %w", classifier, err)
		}
		rel := filepath.FromSlash(header.Name)
		if strings.Contains(rel, "..") {
			return fmt.Errorf("cache retrieve %s: archive entry %q escapes project directory", classifier, header.Name)
		}
		target := filepath.Join(projectDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("cache retrieve %s: %w", classifier, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
		if err != nil {
			return fmt.Errorf("cache retrieve %s: %w", classifier, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("cache retrieve %s: %w", classifier, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("cache retrieve %s: %w", classifier, err)
		}
	}
}

// Remove deletes entries whose classifier matches the given glob
// pattern. Removing a nonexistent entry is not an error.
func (c *DirCache) Remove(ctx context.Context, goalSetID, classifierGlob string) error {
	dir := filepath.Join(c.Root, goalSetID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cache remove %s: %w", classifierGlob, err)
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".tar.zst")
		ok, err := filepath.Match(classifierGlob, name)
		if err != nil {
			return fmt.Errorf("cache remove: invalid pattern %q: %w", classifierGlob, err)
		}
		if !ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("cache remove %s: %w", name, err)
		}
	}
	return nil
}
