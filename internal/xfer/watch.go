package xfer

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// StorageKind mirrors the Watch tuple's storage_kind discriminant.
type StorageKind uint8

const (
	StorageFS StorageKind = 0
	StorageDB StorageKind = 1
)

// Watch is the (relative_path, storage_kind, device_id, date_format)
// tuple; relative paths end with "/".
type Watch struct {
	RelativePath string
	StorageKind  StorageKind
	DeviceID     uint32
	DateFormat   string
}

// matchWatch selects the watch whose relative_path is the longest prefix
// match for rel, falling back to "./" when nothing else matches.
func matchWatch(watches []Watch, rel string) (Watch, bool) {
	var (
		best    Watch
		bestLen = -1
		found   bool
	)
	for _, w := range watches {
		if w.RelativePath == "./" {
			continue
		}
		if strings.HasPrefix(rel, w.RelativePath) && len(w.RelativePath) > bestLen {
			best, bestLen, found = w, len(w.RelativePath), true
		}
	}
	if found {
		return best, true
	}
	for _, w := range watches {
		if w.RelativePath == "./" {
			return w, true
		}
	}
	return Watch{}, false
}

// scanStartup walks every watched directory under rootDir, collects
// regular files, sorts by mtime ascending, and returns them in that order
// (oldest first) so the queue pops oldest-first.
func scanStartup(rootDir string, watches []Watch) []PendingFile {
	type found struct {
		path  string
		size  int64
		mtime time.Time
	}
	var all []found
	for _, w := range watches {
		dir := filepath.Join(rootDir, w.RelativePath)
		filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			all = append(all, found{path: path, size: info.Size(), mtime: info.ModTime()})
			return nil
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].mtime.Before(all[j].mtime) })
	files := make([]PendingFile, len(all))
	for i, f := range all {
		files[i] = PendingFile{Path: f.path, Size: f.size}
	}
	return files
}

// watchDebounce coalesces a burst of writes to the same path (e.g. a file
// being written in pieces) into a single enqueue once writes settle,
// approximating "close-after-write" without relying on a platform-specific
// close-on-write notification.
const watchDebounce = 2 * time.Second

// watchDirs starts an fsnotify watcher on rootDir plus every configured
// watch directory, and calls onClose(path) once per settled file, until
// stop is closed.
func watchDirs(rootDir string, watches []Watch, log *zap.SugaredLogger, stop <-chan struct{}, onClose func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dirs := map[string]bool{rootDir: true}
	for _, w := range watches {
		dirs[filepath.Join(rootDir, w.RelativePath)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			log.Warnw("xfer: failed to watch directory", "dir", dir, "error", err)
		}
	}

	timers := map[string]*time.Timer{}
	fired := make(chan string, 64)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil || info.IsDir() {
				continue
			}
			path := ev.Name
			if t, ok := timers[path]; ok {
				t.Reset(watchDebounce)
				continue
			}
			timers[path] = time.AfterFunc(watchDebounce, func() {
				select {
				case fired <- path:
				default:
				}
			})
		case path := <-fired:
			delete(timers, path)
			onClose(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnw("xfer: watcher error", "error", err)
		case <-stop:
			return nil
		}
	}
}
