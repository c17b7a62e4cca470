package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boqpro/pricematch/internal/models"
)

// ItemSource lists the active catalog.
type ItemSource interface {
	ListActiveCatalogItems(ctx context.Context) ([]models.PriceItem, error)
}

// Snapshots publishes immutable Index snapshots. Jobs hold the snapshot they started
// with; Refresh only affects jobs that start afterwards.
type Snapshots struct {
	source  ItemSource
	tiers   LexicalTiers
	current atomic.Pointer[Index]
	version atomic.Uint64
	mu      sync.Mutex
	now     func() time.Time
	logger  *slog.Logger
}

// NewSnapshots creates a snapshot provider that builds lazily from source.
func NewSnapshots(source ItemSource, tiers LexicalTiers, logger *slog.Logger) *Snapshots {
	if logger == nil {
		logger = slog.Default()
	}

	return &Snapshots{
		source: source,
		tiers:  tiers,
		now:    time.Now,
		logger: logger,
	}
}

// Current returns the published snapshot, building the first one on demand.
func (s *Snapshots) Current(ctx context.Context) (*Index, error) {
	if idx := s.current.Load(); idx != nil {
		return idx, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.current.Load(); idx != nil {
		return idx, nil
	}

	return s.rebuildLocked(ctx)
}

// Refresh rebuilds the index from the source and publishes it.
func (s *Snapshots) Refresh(ctx context.Context) (*Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rebuildLocked(ctx)
}

func (s *Snapshots) rebuildLocked(ctx context.Context) (*Index, error) {
	items, err := s.source.ListActiveCatalogItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalog items: %w", err)
	}

	idx, err := Build(items, s.tiers)
	if err != nil {
		return nil, err
	}

	idx.version = s.version.Add(1)
	idx.builtAt = s.now()
	s.current.Store(idx)

	s.logger.Info("catalog: index published", "version", idx.version, "items", idx.Len())

	return idx, nil
}
