package cache

import (
	"context"
	"encoding/json"

	"github.com/notevault/console/pkg/api"
)

const manifestKey = "documents:manifest"

// Lister fetches the workspace document manifest from the API.
type Lister interface {
	ListDocuments(ctx context.Context) ([]api.Document, error)
}

// Manifest is a typed view over the layered cache for the document
// manifest. Mutations to the workspace must call Invalidate so the next
// read refetches.
type Manifest struct {
	cache  *MultiLevel
	lister Lister
}

// NewManifest creates a manifest cache over the given levels.
func NewManifest(cache *MultiLevel, lister Lister) *Manifest {
	return &Manifest{cache: cache, lister: lister}
}

// Documents returns the cached manifest, fetching it if absent.
func (m *Manifest) Documents(ctx context.Context) ([]api.Document, error) {
	data, err := m.cache.GetOrLoad(ctx, manifestKey, func(ctx context.Context) ([]byte, error) {
		docs, err := m.lister.ListDocuments(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(docs)
	})
	if err != nil {
		return nil, err
	}

	var docs []api.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Invalidate drops the cached manifest from every level.
func (m *Manifest) Invalidate(ctx context.Context) error {
	return m.cache.Delete(ctx, manifestKey)
}
