// Package library lists the MIDI files available to the sequencer and keeps
// the list current while files are added or removed.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/petervdpas/sirenconsole/internal/util"
)

var ErrInvalidName = errors.New("invalid midi file name")

// File is one MIDI file, addressed by its slash-separated path under the
// library root.
type File struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Category string    `json:"category"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type Category struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Files []File `json:"files"`
}

// Library watches root and its subdirectories.
type Library struct {
	root    string
	watcher *fsnotify.Watcher
	closed  chan struct{}
	done    chan struct{}

	mu    sync.RWMutex
	files []File

	listenerMu sync.Mutex
	listeners  map[chan int]struct{}
}

// Open scans root, creating it if needed, and starts watching it.
func Open(root string) (*Library, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create midi dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	l := &Library{
		root:      root,
		watcher:   watcher,
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		listeners: make(map[chan int]struct{}),
	}
	l.rescan()
	go l.watchLoop()

	log.Printf("LIBRARY: %d midi file(s) in %s", len(l.List()), root)
	return l, nil
}

func isMidi(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".mid" || ext == ".midi"
}

// rescan walks the tree, refreshes the list and makes sure every directory
// is watched. fsnotify watches are not recursive.
func (l *Library) rescan() {
	var files []File
	filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != l.root {
				return filepath.SkipDir
			}
			if err := l.watcher.Add(path); err != nil {
				log.Printf("LIBRARY: watch %s: %v", path, err)
			}
			return nil
		}
		if !d.Type().IsRegular() || !isMidi(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		category := "uncategorized"
		if i := strings.IndexByte(rel, '/'); i > 0 {
			category = rel[:i]
		}
		files = append(files, File{
			Name:     d.Name(),
			Path:     rel,
			Category: category,
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	l.mu.Lock()
	l.files = files
	l.mu.Unlock()
	l.notify(len(files))
}

func (l *Library) watchLoop() {
	defer close(l.done)
	for {
		select {
		case <-l.closed:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			// Directories carry no extension; any of them may hold MIDI files.
			if ext := filepath.Ext(event.Name); ext != "" && !isMidi(event.Name) {
				continue
			}
			l.rescan()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("LIBRARY: watcher error: %v", err)
		}
	}
}

// List returns every MIDI file sorted by path.
func (l *Library) List() []File {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]File(nil), l.files...)
}

// Categories groups the files by their top-level directory.
func (l *Library) Categories() []Category {
	byName := make(map[string]*Category)
	var order []string
	for _, f := range l.List() {
		c, ok := byName[f.Category]
		if !ok {
			c = &Category{Name: f.Category}
			byName[f.Category] = c
			order = append(order, f.Category)
		}
		c.Count++
		c.Files = append(c.Files, f)
	}
	sort.Strings(order)
	out := make([]Category, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

// Resolve maps a library path to a file on disk. Paths that leave the root
// or name something other than a MIDI file are rejected.
func (l *Library) Resolve(name string) (string, error) {
	if !isMidi(name) {
		return "", fmt.Errorf("%w: %q is not a midi file", ErrInvalidName, name)
	}
	full, err := util.SafeJoin(l.root, name)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
	}
	if _, err := os.Stat(full); err != nil {
		return "", err
	}
	return full, nil
}

func (l *Library) Root() string { return l.root }

// Subscribe returns a channel that receives the file count after every
// rescan. Slow listeners miss updates.
func (l *Library) Subscribe() (<-chan int, func()) {
	ch := make(chan int, 4)
	l.listenerMu.Lock()
	l.listeners[ch] = struct{}{}
	l.listenerMu.Unlock()

	cancel := func() {
		l.listenerMu.Lock()
		if _, ok := l.listeners[ch]; ok {
			delete(l.listeners, ch)
			close(ch)
		}
		l.listenerMu.Unlock()
	}
	return ch, cancel
}

func (l *Library) notify(n int) {
	l.listenerMu.Lock()
	defer l.listenerMu.Unlock()
	for ch := range l.listeners {
		select {
		case ch <- n:
		default:
		}
	}
}

func (l *Library) Close() {
	select {
	case <-l.closed:
		return
	default:
	}
	close(l.closed)
	l.watcher.Close()
	<-l.done
	log.Printf("LIBRARY: stopped")
}
