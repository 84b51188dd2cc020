package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/notevault/console/pkg/api"
)

// ErrResultExists is returned when a new run would overwrite an existing
// terminal result and the caller has not confirmed the overwrite.
var ErrResultExists = errors.New("workflow result exists; overwrite requires confirmation")

// Registry holds at most one live resolver per document, so two timers can
// never race on the same parent. Each document's resolution is fully
// independent of every other's.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	resolvers map[string]*Resolver
}

// NewRegistry creates a resolver registry.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:       cfg,
		logger:    cfg.Logger,
		resolvers: make(map[string]*Resolver),
	}
}

// Begin starts resolution for a document, canceling any resolver already
// active for it. If the existing resolver holds a terminal result, the
// caller must pass force (after confirming with the user) or Begin fails
// with ErrResultExists.
func (g *Registry) Begin(ctx context.Context, documentID string, run *api.RunInfo, force bool) (*Resolver, error) {
	g.mu.Lock()
	if existing, ok := g.resolvers[documentID]; ok {
		if existing.State().Phase.Terminal() && !force {
			g.mu.Unlock()
			return nil, ErrResultExists
		}
		existing.Cancel()
	}
	r := NewResolver(documentID, g.cfg)
	g.resolvers[documentID] = r
	g.mu.Unlock()

	g.logger.Debug("starting workflow resolver",
		slog.String("document_id", documentID))
	r.Begin(ctx, run)
	return r, nil
}

// Cancel stops and removes the resolver for a document, typically because
// the document was deleted.
func (g *Registry) Cancel(documentID string) {
	g.mu.Lock()
	r, ok := g.resolvers[documentID]
	if ok {
		delete(g.resolvers, documentID)
	}
	g.mu.Unlock()

	if ok {
		r.Cancel()
	}
}

// Active returns the resolver for a document, if any.
func (g *Registry) Active(documentID string) (*Resolver, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.resolvers[documentID]
	return r, ok
}

// Len returns the number of tracked resolvers.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.resolvers)
}

// CancelAll stops every resolver. Used at shutdown.
func (g *Registry) CancelAll() {
	g.mu.Lock()
	resolvers := make([]*Resolver, 0, len(g.resolvers))
	for _, r := range g.resolvers {
		resolvers = append(resolvers, r)
	}
	g.resolvers = make(map[string]*Resolver)
	g.mu.Unlock()

	for _, r := range resolvers {
		r.Cancel()
	}
}
