// Package watcher polls a board's forum tree in the background and reports
// when the remote side reorganized it.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/boardline/boardline/shared/domain"
	"github.com/boardline/boardline/shared/logger"
)

// Lister is the slice of the backend contract the watcher needs.
type Lister interface {
	Name() string
	RootForumList(ctx context.Context) (*domain.Forum, error)
	ForumList(ctx context.Context, forumID string) (*domain.Forum, error)
}

// StructureWatcher polls the full forum structure on an interval and fires
// onChange when the tree's shape differs from the previous crawl. Content
// (threads, posts) is never compared; only ids, names and types.
type StructureWatcher struct {
	lister   Lister
	interval time.Duration
	onChange func(prev, curr *domain.Forum)

	// skips a round instead of piling up when a crawl is still running
	running sync.Mutex

	mu   sync.Mutex
	last *domain.Forum
}

func New(lister Lister, interval time.Duration, onChange func(prev, curr *domain.Forum)) *StructureWatcher {
	return &StructureWatcher{
		lister:   lister,
		interval: interval,
		onChange: onChange,
	}
}

// Start launches the polling goroutine. It stops when ctx is cancelled.
func (w *StructureWatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	logger.Log.Info("started structure watcher",
		"component", "watcher", "board", w.lister.Name(), "interval", w.interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.RunOnce(ctx); err != nil {
					logger.Log.Warn("structure crawl failed",
						"component", "watcher", "board", w.lister.Name(), "error", err)
				}
			case <-ctx.Done():
				logger.Log.Info("structure watcher shutting down",
					"component", "watcher", "board", w.lister.Name())
				return
			}
		}
	}()
}

// RunOnce executes a single crawl-and-compare cycle. A cycle that finds a
// prior one still in flight returns immediately.
func (w *StructureWatcher) RunOnce(ctx context.Context) error {
	if !w.running.TryLock() {
		logger.Log.Debug("previous crawl still running, skipping round",
			"component", "watcher", "board", w.lister.Name())
		return nil
	}
	defer w.running.Unlock()

	tree, err := w.crawl(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.last
	w.last = tree
	w.mu.Unlock()

	if prev != nil && !prev.StructureEqual(tree) {
		logger.Log.Info("forum structure changed",
			"component", "watcher", "board", w.lister.Name())
		if w.onChange != nil {
			w.onChange(prev, tree)
		}
	}
	return nil
}

// Last returns the tree from the most recent successful crawl.
func (w *StructureWatcher) Last() *domain.Forum {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// crawl fetches the root listing and descends into every child forum,
// rebuilding the full tree snapshot.
func (w *StructureWatcher) crawl(ctx context.Context) (*domain.Forum, error) {
	root, err := w.lister.RootForumList(ctx)
	if err != nil {
		return nil, err
	}
	for _, child := range root.Forums {
		if err := w.descend(ctx, child); err != nil {
			return nil, err
		}
	}
	return root, nil
}

func (w *StructureWatcher) descend(ctx context.Context, f *domain.Forum) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.Type == domain.ForumTypeLink {
		return nil
	}
	listed, err := w.lister.ForumList(ctx, f.Id)
	if err != nil {
		return err
	}
	for _, child := range listed.Forums {
		sub := domain.NewForum(child.Id)
		sub.Name = child.Name
		sub.Type = child.Type
		sub.HasUnread = child.HasUnread
		if err := f.AddForum(sub); err != nil {
			return err
		}
		if err := w.descend(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}
