// Package watch reruns child tests when their files change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/dotestoor/pkg/discovery"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits after the last event
// before handing a batch to the handler.
const DefaultDebounce = 500 * time.Millisecond

// batchQueueSize bounds batches waiting for the handler.
const batchQueueSize = 16

// Handler receives a batch of changed tests, sorted by ID.
type Handler func(ctx context.Context, tests []discovery.TestCase)

// Config configures a Watcher.
type Config struct {
	// Root is the suite directory to watch recursively.
	Root string
	// Discovery decides which files are tests.
	Discovery discovery.Config
	// Keep optionally narrows the batch further (e.g. the run filter).
	Keep func(discovery.TestCase) bool
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
}

// Watcher watches a suite tree for created or modified child tests.
type Watcher struct {
	log     logrus.FieldLogger
	cfg     Config
	handler Handler
}

// New creates a watcher. Call Run to start it.
func New(log logrus.FieldLogger, cfg Config, handler Handler) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	return &Watcher{
		log:     log.WithField("component", "watch"),
		cfg:     cfg,
		handler: handler,
	}
}

// Run watches until ctx is cancelled. Batches are handed to the handler
// one at a time, in order; events arriving meanwhile form the next batch.
func (w *Watcher) Run(ctx context.Context) error {
	root, err := filepath.Abs(w.cfg.Root)
	if err != nil {
		return fmt.Errorf("resolving root: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := w.addTree(watcher, root, root); err != nil {
		return err
	}

	batches := make(chan []discovery.TestCase, batchQueueSize)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for batch := range batches {
			w.handler(ctx, batch)
		}
	}()

	pending := make(map[string]discovery.TestCase)

	flush := func() {
		if len(pending) == 0 {
			return
		}

		batch := make([]discovery.TestCase, 0, len(pending))
		for _, tc := range pending {
			batch = append(batch, tc)
		}

		sort.Slice(batch, func(i, j int) bool { return batch[i].ID() < batch[j].ID() })

		pending = make(map[string]discovery.TestCase)

		w.log.WithField("tests", len(batch)).Info("Changes detected")

		select {
		case batches <- batch:
		case <-ctx.Done():
		}
	}

	// Single debounce timer, reset on each accepted event.
	debounce := time.NewTimer(w.cfg.Debounce)
	debounce.Stop()

	defer func() {
		debounce.Stop()
		close(batches)
		wg.Wait()
	}()

	w.log.WithField("root", root).Info("Watching for test changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounce.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}

			if info.IsDir() {
				if event.Has(fsnotify.Create) {
					if err := w.addTree(watcher, root, event.Name); err != nil {
						w.log.WithError(err).Warn("Failed to watch new directory")
					}
				}

				continue
			}

			tc, ok := w.testCase(root, event.Name)
			if !ok {
				continue
			}

			pending[tc.ID()] = tc

			debounce.Reset(w.cfg.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.log.WithError(err).Warn("File watcher error")
		}
	}
}

// addTree adds dir and every enterable directory below it.
func (w *Watcher) addTree(watcher *fsnotify.Watcher, root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("walking %s: %w", dir, err)
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		if !w.enterable(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}

		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}

		return nil
	})
}

// enterable applies the walk rules (no hidden or excluded directories) to
// every segment of a suite-relative directory.
func (w *Watcher) enterable(relDir string) bool {
	if relDir == "." {
		return true
	}

	parent := "."

	for _, seg := range strings.Split(relDir, "/") {
		if strings.HasPrefix(seg, ".") {
			return false
		}

		if _, excluded := w.cfg.Discovery.ForDir(parent).Excludes[seg]; excluded {
			return false
		}

		if parent == "." {
			parent = seg
		} else {
			parent += "/" + seg
		}
	}

	return true
}

// testCase maps a changed file onto a TestCase when discovery would
// yield it.
func (w *Watcher) testCase(root, path string) (discovery.TestCase, bool) {
	dir, name := filepath.Split(path)
	dir = filepath.Clean(dir)

	rel, err := filepath.Rel(root, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return discovery.TestCase{}, false
	}

	relDir := filepath.ToSlash(rel)

	if !w.enterable(relDir) || !w.cfg.Discovery.ForDir(relDir).Accepts(name) {
		return discovery.TestCase{}, false
	}

	ext := filepath.Ext(name)
	tc := discovery.TestCase{
		SuiteRoot: root,
		Dir:       dir,
		RelDir:    relDir,
		Name:      name,
		Stem:      strings.TrimSuffix(name, ext),
		Ext:       ext,
	}

	if w.cfg.Keep != nil && !w.cfg.Keep(tc) {
		return discovery.TestCase{}, false
	}

	return tc, true
}
