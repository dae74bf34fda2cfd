package storage

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileInfo describes one log file.
type FileInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// ListFiles returns the regular files in dir, newest first. Files with equal
// modification times are ordered by path. A missing dir is empty.
func ListFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		files = append(files, FileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.After(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// SelectExpired returns the files that fall outside the retention bounds.
// files must be ordered newest first. A negative maxAge or maxSize disables
// that bound.
//
// The age bound keeps files strictly newer than now-maxAge. The size bound
// walks the survivors newest first and drops a file once the total of the
// files kept before it exceeds maxSize, so the file that crosses the bound
// is itself kept.
func SelectExpired(files []FileInfo, maxAge time.Duration, maxSize int64, now time.Time) []FileInfo {
	keep := make([]bool, len(files))
	for i := range keep {
		keep[i] = true
	}

	if maxAge >= 0 {
		cutoff := now.Add(-maxAge)
		for i, f := range files {
			if !f.ModTime.After(cutoff) {
				keep[i] = false
			}
		}
	}

	if maxSize >= 0 {
		var total int64
		for i, f := range files {
			if !keep[i] {
				continue
			}
			if total > maxSize {
				keep[i] = false
			} else {
				total += f.Size
			}
		}
	}

	var expired []FileInfo
	for i, f := range files {
		if !keep[i] {
			expired = append(expired, f)
		}
	}
	return expired
}

// Purge deletes the files of dir that fall outside the retention bounds and
// returns the deleted paths. Failures to delete single files are logged and
// skipped.
func Purge(dir string, maxAge time.Duration, maxSize int64, now time.Time) ([]string, error) {
	if maxAge < 0 && maxSize < 0 {
		return nil, nil
	}
	files, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, f := range SelectExpired(files, maxAge, maxSize, now) {
		if err := os.Remove(f.Path); err != nil {
			slog.Warn("Failed to delete expired log", slog.String("file", f.Name), slog.Any("error", err))
			continue
		}
		slog.Info("Expired log deleted", slog.String("file", f.Name))
		deleted = append(deleted, f.Path)
	}
	return deleted, nil
}

// Delete removes the named log file from dir.
func Delete(dir, name string) error {
	path, err := ResolveName(dir, name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}
