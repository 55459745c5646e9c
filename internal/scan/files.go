// Package scan finds the images that make up a slideshow sequence
package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fyne.io/fyne/v2/storage"
)

// LoggerFunc defines a function signature for logging messages.
type LoggerFunc func(message string)

// FileItem is an image found on disk.
type FileItem struct {
	Path string // absolute
	URI  string // file:// form, used as the slideshow identifier
	Info os.FileInfo
}

// FileItems is a slice of FileItem
type FileItems []FileItem

// NewFileItem creates a new FileItem
func NewFileItem(p string, info os.FileInfo) FileItem {
	return FileItem{
		Path: p,
		URI:  IdentifierFor(p),
		Info: info,
	}
}

// IdentifierFor returns the identifier used for the image at path.
func IdentifierFor(path string) string {
	return storage.NewFileURI(path).String()
}

// PathFor resolves an identifier produced by IdentifierFor back to a path.
func PathFor(identifier string) (string, error) {
	u, err := storage.ParseURI(identifier)
	if err != nil {
		return "", fmt.Errorf("invalid image identifier %q: %w", identifier, err)
	}
	if u.Scheme() != "file" {
		return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme(), identifier)
	}
	return u.Path(), nil
}

// Run walks dir recursively and streams every non-empty image it finds.
// The channel is closed when the walk ends. Unreadable entries are logged and skipped.
func Run(dir string, logger LoggerFunc) <-chan FileItem {
	out := make(chan FileItem)
	go func() {
		defer close(out)
		root, err := filepath.Abs(dir)
		if err != nil {
			logf(logger, "cannot resolve %s: %v", dir, err)
			return
		}
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				logf(logger, "skipping %s: %v", p, err)
				if d != nil && d.IsDir() && p != root {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !IsImage(p) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				logf(logger, "skipping %s: %v", p, err)
				return nil
			}
			if !info.Mode().IsRegular() || info.Size() == 0 {
				return nil
			}
			out <- NewFileItem(p, info)
			return nil
		})
		if err != nil {
			logf(logger, "walk of %s stopped: %v", root, err)
		}
	}()
	return out
}

// Collect runs a scan to completion and returns the items sorted by path.
func Collect(dir string, logger LoggerFunc) (FileItems, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	var items FileItems
	for item := range Run(dir, logger) {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

// URIs returns the identifiers of items in order.
func (items FileItems) URIs() []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.URI
	}
	return out
}

// IsImage checks if a file is an image
func IsImage(n string) bool {
	switch strings.ToLower(filepath.Ext(n)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	default:
		return false
	}
}

func logf(logger LoggerFunc, format string, args ...interface{}) {
	if logger != nil {
		logger(fmt.Sprintf(format, args...))
	}
}
