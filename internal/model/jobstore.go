package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bya-build/bya/logger"
)

// JobStore is an explicit, request-scoped replacement for the source's
// process-global mutable `jobs` root (spec.md §9 Design Notes). It
// walks a JobGroup tree of .yml files (flattening nested group paths
// with "#", skipping .git entries) and caches the result, invalidating
// on an fsnotify watch of the root. Where no watch can be set up (e.g.
// some network mounts), Get and List reload the tree on every access.
type JobStore struct {
	root   string
	logger logger.Logger

	mu      sync.RWMutex
	jobs    map[string]*JobDefinition
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewJobStore creates a JobStore rooted at root and performs the
// initial load.
func NewJobStore(root string, log logger.Logger) (*JobStore, error) {
	s := &JobStore{root: root, logger: log, stop: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("JobStore: fsnotify unavailable, falling back to load-on-access: %v", err)
		return s, nil
	}
	if err := addWatchRecursive(w, root); err != nil {
		log.Warn("JobStore: failed to watch %s: %v", root, err)
		w.Close() //nolint:errcheck
		return s, nil
	}
	s.watcher = w
	go s.watchLoop()
	return s, nil
}

func addWatchRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() != ".git" {
			return w.Add(path)
		}
		return nil
	})
}

func (s *JobStore) watchLoop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			debounce.Reset(200 * time.Millisecond)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("JobStore: watch error: %v", err)
		case <-debounce.C:
			if err := s.reload(); err != nil {
				s.logger.Error("JobStore: reload failed: %v", err)
			}
		case <-s.stop:
			return
		}
	}
}

// Close stops the filesystem watch, if any.
func (s *JobStore) Close() error {
	close(s.stop)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *JobStore) reload() error {
	jobs := map[string]*JobDefinition{}

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".yml" && filepath.Ext(path) != ".yaml" {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := flattenGroupPath(rel)

		jd, err := loadJobDefinition(path, name)
		if err != nil {
			s.logger.Warn("JobStore: skipping %s: %v", path, err)
			return nil
		}
		jobs[name] = jd
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking job group %s: %w", s.root, err)
	}

	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

// flattenGroupPath converts a path relative to the job-defs root (e.g.
// "teamA/deploy.yml") into a flat job name ("teamA#deploy"), per
// spec.md's GLOSSARY definition of "Flat job name".
func flattenGroupPath(rel string) string {
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "#")
}

// UnflattenName converts a flat job name back into a relative
// filesystem path with a ".yml" extension.
func UnflattenName(flat string) string {
	return strings.ReplaceAll(flat, "#", "/") + ".yml"
}

// Get returns the current JobDefinition for a flat name, or nil if
// there is no such job.
func (s *JobStore) Get(flatName string) *JobDefinition {
	if s.watcher == nil {
		if err := s.reload(); err != nil {
			s.logger.Warn("JobStore: reload failed: %v", err)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[flatName]
}

// List returns every currently-known JobDefinition.
func (s *JobStore) List() []*JobDefinition {
	if s.watcher == nil {
		if err := s.reload(); err != nil {
			s.logger.Warn("JobStore: reload failed: %v", err)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*JobDefinition, 0, len(s.jobs))
	for _, jd := range s.jobs {
		out = append(out, jd)
	}
	return out
}
