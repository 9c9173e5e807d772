package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// DefaultDebounce is how long Watch waits for changes to settle before re-ingesting.
const DefaultDebounce = 2 * time.Second

// Watch runs the pipeline once, then again whenever PDFs under root change.
// onRun (optional) observes every run. Watch returns when ctx is done.
func (p *Pipeline) Watch(ctx context.Context, root, outDir string, debounce time.Duration, onRun func(Stats, error)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := addTree(w, root); err != nil {
		return err
	}

	run := func() {
		stats, err := p.Run(ctx, root, outDir)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrNoInputs):
			p.logger.Info("no PDFs to ingest yet", zap.String("root", root))
		case ctx.Err() != nil:
			return
		default:
			p.logger.Error("ingestion run failed", zap.Error(err))
		}
		if onRun != nil {
			onRun(stats, err)
		}
	}
	run()

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !hidden(ev.Name) {
					if err := addTree(w, ev.Name); err != nil {
						p.logger.Warn("watch new directory", zap.String("dir", ev.Name), zap.Error(err))
					}
					continue
				}
			}
			if relevantEvent(ev) {
				p.logger.Debug("pdf changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			run()
		}
	}
}

// relevantEvent reports whether ev can change the set or content of PDFs.
func relevantEvent(ev fsnotify.Event) bool {
	if hidden(ev.Name) || !strings.HasSuffix(ev.Name, ".pdf") {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
