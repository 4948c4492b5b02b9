package scheduler

import (
	"context"
	"sync"

	"github.com/feedvault/feedvault/pkg/domain"
)

// PreParseHook may inspect or transform the raw document before parsing.
// Returning an error aborts the cycle like a parse failure.
type PreParseHook func(ctx context.Context, feed *domain.Feed, body []byte) ([]byte, error)

// PostReconcileHook may inspect or adjust the change-set before it is
// persisted. Returning an error aborts the cycle before any write happens.
type PostReconcileHook func(ctx context.Context, feed *domain.Feed, cs *domain.ChangeSet) error

// PostPersistHook is notified after a change-set committed. It cannot fail
// the cycle; persistence already happened.
type PostPersistHook func(ctx context.Context, feed *domain.Feed, cs *domain.ChangeSet)

// Hooks is a registry of handlers invoked at fixed extension points of the
// fetch cycle. The orchestrator stays agnostic of concrete handlers.
type Hooks struct {
	mu            sync.RWMutex
	preParse      []PreParseHook
	postReconcile []PostReconcileHook
	postPersist   []PostPersistHook
}

// OnPreParse registers a pre-parse hook
func (h *Hooks) OnPreParse(fn PreParseHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.preParse = append(h.preParse, fn)
}

// OnPostReconcile registers a post-reconcile hook
func (h *Hooks) OnPostReconcile(fn PostReconcileHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.postReconcile = append(h.postReconcile, fn)
}

// OnPostPersist registers a post-persist hook
func (h *Hooks) OnPostPersist(fn PostPersistHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.postPersist = append(h.postPersist, fn)
}

func (h *Hooks) runPreParse(ctx context.Context, feed *domain.Feed, body []byte) ([]byte, error) {
	h.mu.RLock()
	hooks := h.preParse
	h.mu.RUnlock()

	var err error
	for _, fn := range hooks {
		if body, err = fn(ctx, feed, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (h *Hooks) runPostReconcile(ctx context.Context, feed *domain.Feed, cs *domain.ChangeSet) error {
	h.mu.RLock()
	hooks := h.postReconcile
	h.mu.RUnlock()

	for _, fn := range hooks {
		if err := fn(ctx, feed, cs); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) runPostPersist(ctx context.Context, feed *domain.Feed, cs *domain.ChangeSet) {
	h.mu.RLock()
	hooks := h.postPersist
	h.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, feed, cs)
	}
}
