package static

import (
	"container/list"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// File is an open, stat'ed file shared by every connection serving it.
// A file stays open while any holder has not released it, even after the
// cache dropped it.
type File struct {
	path    string
	key     uint64
	file    *os.File
	size    int64
	modTime time.Time
	ctype   string

	refs    int
	dropped bool
	element *list.Element
}

// Path returns the file path
func (f *File) Path() string { return f.path }

// Size returns the size at open time
func (f *File) Size() int64 { return f.size }

// ModTime returns the modification time at open time
func (f *File) ModTime() time.Time { return f.modTime }

// ContentType returns the MIME type by extension
func (f *File) ContentType() string { return f.ctype }

// ReadAt reads from the open file
func (f *File) ReadAt(p []byte, off int64) (int, error) { return f.file.ReadAt(p, off) }

// FileCache caches open files using LRU, keyed by the xxhash of the path
type FileCache struct {
	mu       sync.Mutex
	cache    map[uint64]*File
	lruList  *list.List
	maxFiles int

	watcher *fsnotify.Watcher
	log     *logrus.Entry
	done    chan struct{}
	wg      sync.WaitGroup

	hits          atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
}

// NewFileCache creates a new file cache
func NewFileCache(maxFiles int, log *logrus.Entry) *FileCache {
	if maxFiles < 1 {
		maxFiles = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FileCache{
		cache:    make(map[uint64]*File),
		lruList:  list.New(),
		maxFiles: maxFiles,
		log:      log.WithField("component", "static"),
		done:     make(chan struct{}),
	}
}

// Acquire returns the open file for path, opening it on a miss. A cached
// entry whose file was removed or changed size or mtime is reopened. Missing
// files yield ErrNotFound; directories, special files and files without
// owner read permission yield ErrForbidden. Every successful Acquire must
// be paired with one Release.
func (fc *FileCache) Acquire(path string) (*File, error) {
	key := xxhash.Sum64String(path)

	fc.mu.Lock()
	if f, ok := fc.cache[key]; ok && f.path == path {
		if f.current() {
			f.refs++
			fc.lruList.MoveToFront(f.element)
			fc.mu.Unlock()
			fc.hits.Add(1)
			return f, nil
		}
		fc.dropLocked(f)
		fc.invalidations.Add(1)
	}
	fc.mu.Unlock()
	fc.misses.Add(1)

	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	f.key = key
	f.refs = 1

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if old, ok := fc.cache[key]; ok {
		fc.dropLocked(old)
	}
	f.element = fc.lruList.PushFront(f)
	fc.cache[key] = f

	// Evict oldest if over limit
	for fc.lruList.Len() > fc.maxFiles {
		oldest := fc.lruList.Back()
		fc.dropLocked(oldest.Value.(*File))
		fc.evictions.Add(1)
	}

	return f, nil
}

// current reports whether the path still names a file with the size and
// mtime seen at open time
func (f *File) current() bool {
	info, err := os.Stat(f.path)
	if err != nil {
		return false
	}
	return info.Size() == f.size && info.ModTime().Equal(f.modTime)
}

func openFile(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, classify(err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, classify(err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o400 == 0 {
		file.Close()
		return nil, ErrForbidden
	}

	return &File{
		path:    path,
		file:    file,
		size:    info.Size(),
		modTime: info.ModTime(),
		ctype:   ContentType(path),
	}, nil
}

func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return ErrForbidden
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrNotFound, err)
}

// Release drops one hold on f
func (fc *FileCache) Release(f *File) {
	if f == nil {
		return
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()

	f.refs--
	if f.refs == 0 && f.dropped {
		f.file.Close()
	}
}

// dropLocked removes f from the cache; the file closes with its last hold
func (fc *FileCache) dropLocked(f *File) {
	if f.dropped {
		return
	}
	f.dropped = true
	if cur, ok := fc.cache[f.key]; ok && cur == f {
		delete(fc.cache, f.key)
	}
	fc.lruList.Remove(f.element)
	if f.refs == 0 {
		f.file.Close()
	}
}

// Invalidate drops the cached entry for path, if any
func (fc *FileCache) Invalidate(path string) bool {
	key := xxhash.Sum64String(path)

	fc.mu.Lock()
	defer fc.mu.Unlock()

	f, ok := fc.cache[key]
	if !ok || f.path != path {
		return false
	}
	fc.dropLocked(f)
	fc.invalidations.Add(1)
	return true
}

// Len returns the number of cached files
func (fc *FileCache) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lruList.Len()
}

// Watch invalidates cached files when they change below root. Directories
// are watched individually; new directories are picked up as they appear.
func (fc *FileCache) Watch(root string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fc.watcher = w

	if err := fc.addTree(root); err != nil {
		w.Close()
		fc.watcher = nil
		return err
	}

	fc.wg.Add(1)
	go fc.watchLoop()
	return nil
}

func (fc *FileCache) addTree(root string) error {
	return filepath.WalkDir(filepath.Clean(root), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fc.watcher.Add(path); err != nil {
			fc.log.WithError(err).WithField("dir", path).Warn("cannot watch directory")
		}
		return nil
	})
}

func (fc *FileCache) watchLoop() {
	defer fc.wg.Done()

	for {
		select {
		case <-fc.done:
			return

		case ev, ok := <-fc.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := fc.addTree(ev.Name); err != nil {
						fc.log.WithError(err).WithField("dir", ev.Name).Warn("cannot watch new directory")
					}
				}
			}
			if fc.Invalidate(ev.Name) {
				fc.log.WithField("path", ev.Name).WithField("op", ev.Op.String()).Debug("file cache entry invalidated")
			}

		case err, ok := <-fc.watcher.Errors:
			if !ok {
				return
			}
			fc.log.WithError(err).Warn("file watcher error")
		}
	}
}

// CacheStats contains file cache statistics
type CacheStats struct {
	Entries       int
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
}

// Stats returns cache statistics
func (fc *FileCache) Stats() CacheStats {
	return CacheStats{
		Entries:       fc.Len(),
		Hits:          fc.hits.Load(),
		Misses:        fc.misses.Load(),
		Evictions:     fc.evictions.Load(),
		Invalidations: fc.invalidations.Load(),
	}
}

// Close stops the watcher and closes all cached files not held elsewhere
func (fc *FileCache) Close() {
	select {
	case <-fc.done:
		return
	default:
		close(fc.done)
	}
	if fc.watcher != nil {
		fc.watcher.Close()
	}
	fc.wg.Wait()

	fc.mu.Lock()
	defer fc.mu.Unlock()

	for _, f := range fc.cache {
		fc.dropLocked(f)
	}
	fc.lruList.Init()
}
