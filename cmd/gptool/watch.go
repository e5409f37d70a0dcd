package main

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/youruser/gptool/internal/chat"
	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/runner"
	"github.com/youruser/gptool/internal/scripts"
)

const debouncePeriod = 300 * time.Millisecond

// watchedPaths returns the absolute files a watch run depends on.
func watchedPaths(w *workspace, tmplName string, files []string) map[string]bool {
	paths := make(map[string]bool, len(files)+1)
	if strings.HasSuffix(strings.ToLower(tmplName), scripts.Ext) {
		paths[w.host.ResolvePath(tmplName)] = true
	}
	for _, f := range files {
		paths[w.host.ResolvePath(f)] = true
	}
	return paths
}

// watch runs the template once and again whenever one of its inputs
// changes. A new run supersedes the one in flight.
func watch(ctx context.Context, cmd *cobra.Command, w *workspace, completer llm.Completer, f *runFlags, opts runner.Options, tmplName string, files []string) error {
	paths := watchedPaths(w, tmplName, files)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create file watcher")
	}
	defer watcher.Close()

	// Editors often replace files, so watch the directories.
	dirs := make(map[string]bool)
	for p := range paths {
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		if err := watcher.Add(d); err != nil {
			return errors.Wrapf(err, "watch %s", d)
		}
	}

	trigger := make(chan struct{}, 1)
	fire := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debouncePeriod, fire)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !paths[filepath.Clean(ev.Name)] || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				log.Debug("watch: %s %s", ev.Op, ev.Name)
				schedule()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("watch: %v", err)
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	var (
		sessions chat.Sessions
		prev     *chat.Session
	)
	start := func() {
		if prev != nil {
			prev.Cancel()
			<-prev.Done()
		}
		s := sessions.Start(ctx)
		prev = s
		go func() {
			defer sessions.Release(s, nil)
			res, err := runOnce(s.Context(), cmd, w, completer, f, opts, tmplName, files)
			if s.Context().Err() != nil {
				return
			}
			if err == nil {
				err = report(cmd.OutOrStdout(), w, f, res)
			}
			if err != nil {
				log.Warn("watch: run failed: %v", err)
			}
		}()
	}

	log.Info("watching %d files", len(paths))
	start()
	for {
		select {
		case <-ctx.Done():
			sessions.Cancel()
			if prev != nil {
				<-prev.Done()
			}
			return nil
		case <-trigger:
			if err := limiter.Wait(ctx); err != nil {
				continue
			}
			start()
		}
	}
}
