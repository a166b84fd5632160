package main

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/signalrt/kvm/internal/buildcache"
)

// watchLibrary watches root for "*.kvm" changes and evicts the affected
// BuildKeys, giving this demo host a filesystem trigger for the reparse step
// spec.md leaves as an external collaborator invoked by an editor or
// language server (grounded on original_source's driver/LanguageServer.cpp
// watch-and-reparse loop).
func watchLibrary(ctx context.Context, lib *library, cache *buildcache.BuildCache, logger *log.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(lib.root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Printf("kvmhost: watcher error: %v", err)
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".kvm" {
				continue
			}
			stem := stemOf(ev.Name)
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				lib.add(ev.Name)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				lib.remove(ev.Name)
			default:
				continue
			}
			evicted, err := cache.InvalidateSymbols([]string{stem})
			if err != nil {
				if logger != nil {
					logger.Printf("kvmhost: invalidate %q: %v", stem, err)
				}
				continue
			}
			if logger != nil && len(evicted) > 0 {
				logger.Printf("kvmhost: %q changed, evicted %d build(s)", stem, len(evicted))
			}
		}
	}
}
