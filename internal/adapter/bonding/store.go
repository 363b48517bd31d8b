package bonding

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"roamer/internal/domain"
	"roamer/internal/infra/tracer"
)

// Records maps a normalized peer address to its bonding material.
type Records map[string]domain.Material

// Clone returns a deep copy of r.
func (r Records) Clone() Records {
	out := make(Records, len(r))
	for peer, m := range r {
		out[peer] = m.Clone()
	}
	return out
}

// Backend persists a full snapshot of the records.
type Backend interface {
	Name() string
	// Read returns the stored records; a missing store yields empty records.
	Read(ctx context.Context) (Records, error)
	Write(ctx context.Context, records Records) error
	Clear(ctx context.Context) error
}

// Store implements domain.BondingStore on top of a Backend. Mutations only
// touch memory; FlushIfDirty writes a snapshot outside the lock so radio
// event handling never waits on disk.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu      sync.Mutex
	records Records
	dirty   bool
	// gen increments on every mutation so a flush can tell whether
	// the snapshot it wrote is still current.
	gen uint64

	flushMu sync.Mutex
}

var _ domain.BondingStore = (*Store)(nil)

// NewStore creates an empty store. Call Load to read persisted records.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger,
		records: make(Records),
	}
}

// Load replaces in-memory records with the persisted ones. A missing or
// unreadable store is logged and treated as empty; Load only fails when ctx
// is done.
func (s *Store) Load(ctx context.Context) error {
	recs, err := s.backend.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.WrapOp("bonding.Load", ctx.Err())
		}
		s.logger.Warn("bonding store unreadable, starting empty",
			"backend", s.backend.Name(),
			"error", err,
		)
		recs = make(Records)
	}
	if recs == nil {
		recs = make(Records)
	}

	s.mu.Lock()
	s.records = recs
	s.dirty = false
	s.gen++
	s.mu.Unlock()

	s.logger.Info("bonding store loaded", "backend", s.backend.Name(), "peers", len(recs))
	return nil
}

// Get returns a copy of the peer's material, empty when nothing is known.
func (s *Store) Get(peer domain.PeerIdentity) domain.Material {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[peer.Key()].Clone()
}

// Merge records blob as the peer's material of type t and marks the store dirty.
func (s *Store) Merge(peer domain.PeerIdentity, t domain.MaterialType, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := peer.Key()
	m, ok := s.records[key]
	if !ok {
		m = make(domain.Material)
		s.records[key] = m
	}
	m[t] = append([]byte(nil), blob...)
	s.dirty = true
	s.gen++
}

// Dirty reports whether there are unflushed mutations.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Peers returns the known peer keys in sorted order.
func (s *Store) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for k := range s.records {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FlushIfDirty writes the records when they changed since the last flush.
// It reports whether a write happened. On failure the store stays dirty.
func (s *Store) FlushIfDirty(ctx context.Context) (bool, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return false, nil
	}
	snapshot := s.records.Clone()
	gen := s.gen
	s.mu.Unlock()

	ctx, span := tracer.StartSpan(ctx, tracer.SpanBondingFlush)
	defer span.End()
	span.SetAttributes(tracer.IntAttr("peers", len(snapshot)))

	if err := s.backend.Write(ctx, snapshot); err != nil {
		tracer.RecordError(span, err)
		return false, domain.NewDomainError("bonding.Flush", domain.ErrBondingFlush, err.Error())
	}
	tracer.SetOK(span)

	s.mu.Lock()
	if s.gen == gen {
		s.dirty = false
	}
	s.mu.Unlock()

	s.logger.Debug("bonding store flushed", "backend", s.backend.Name(), "peers", len(snapshot))
	return true, nil
}

// Wipe deletes all persisted and in-memory material.
func (s *Store) Wipe(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if err := s.backend.Clear(ctx); err != nil {
		return domain.WrapOp("bonding.Wipe", err)
	}
	s.mu.Lock()
	s.records = make(Records)
	s.dirty = false
	s.gen++
	s.mu.Unlock()

	s.logger.Info("bonding store wiped", "backend", s.backend.Name())
	return nil
}
