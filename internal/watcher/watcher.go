// Package watcher is the file-watching front-end of the incremental
// synchronizer: it recursively watches a directory, coalesces
// filesystem events over a debounce window, filters out dot-prefixed paths
// and unregistered extensions, and emits batches of unique changed paths
// for the Compiler.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eykd/beliefc/internal/codec"
	"github.com/eykd/beliefc/internal/network"
)

// Op distinguishes an upserted path from a deleted one. Deletions translate
// downstream into NodesRemoved for every node the document originated.
type Op uint8

const (
	OpUpsert Op = iota
	OpRemove
)

// Change is one coalesced filesystem change.
type Change struct {
	Path string
	Op   Op
}

// DefaultDebounce is the coalescing window for filesystem events.
const DefaultDebounce = 500 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher watches one directory tree.
type Watcher struct {
	root     string
	registry *codec.Registry
	debounce time.Duration
	log      *slog.Logger
}

// New returns a Watcher over root that admits files whose extension is
// registered in registry (plus network descriptors).
func New(root string, registry *codec.Registry, opts Options) *Watcher {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{root: root, registry: registry, debounce: debounce, log: log}
}

// Run watches until the context is cancelled, sending each debounced batch
// of changes to out. The batch is sorted by path and contains each path at
// most once, with the latest observed operation winning.
func (w *Watcher) Run(ctx context.Context, out chan<- []Change) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addRecursive(fsw, w.root); err != nil {
		return err
	}

	pending := map[string]Op{}
	var timer *time.Timer
	var fire <-chan time.Time

	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			fire = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.debounce)
	}

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					// A created directory must be watched for the files
					// about to land inside it.
					_ = w.addRecursive(fsw, ev.Name)
					continue
				}
			}
			path := ev.Name
			if !w.admits(path) {
				continue
			}
			op := OpUpsert
			if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				op = OpRemove
			}
			pending[path] = op
			schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "err", err)
		case <-fire:
			if len(pending) == 0 {
				continue
			}
			batch := make([]Change, 0, len(pending))
			for path, op := range pending {
				batch = append(batch, Change{Path: path, Op: op})
			}
			sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
			pending = map[string]Op{}
			w.log.Debug("debounce window closed", "changes", len(batch))
			select {
			case out <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// admits filters one path: no dot-prefixed components, and the extension
// must be registered with a codec (network descriptors always pass).
func (w *Watcher) admits(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	if filepath.Base(path) == network.DescriptorName {
		return true
	}
	_, ok := w.registry.ForPath(path)
	return ok
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A path can vanish between the event and the walk; skip it.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.log.Warn("cannot watch directory", "dir", path, "err", err)
		}
		return nil
	})
}
