package track

import (
	"context"
	"sort"
	"sync"
)

// Backend is the durable side of a Store. Implementations must make
// AppendFixes idempotent on (session id, Fix.Seq) and CreateSession
// idempotent on the session id, because the Store retries both after failures.
type Backend interface {
	CreateSession(ctx context.Context, meta Meta) error
	AppendFixes(ctx context.Context, sessionID string, fixes []Fix) error
	SaveMeta(ctx context.Context, meta Meta) error
	// LoadSession returns ErrSessionNotFound for unknown ids.
	LoadSession(ctx context.Context, sessionID string) (Meta, []Fix, error)
	// ListOpen returns the ids of sessions still recording or paused.
	ListOpen(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// MemoryBackend keeps sessions in process memory. It survives a Store being
// dropped, not the process exiting; use it for tests and local development.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	meta  Meta
	fixes map[int]Fix
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: map[string]*memorySession{}}
}

func (b *MemoryBackend) CreateSession(_ context.Context, meta Meta) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[meta.SessionID]; ok {
		return nil
	}
	b.sessions[meta.SessionID] = &memorySession{meta: meta.clone(), fixes: map[int]Fix{}}
	return nil
}

func (b *MemoryBackend) AppendFixes(_ context.Context, sessionID string, fixes []Fix) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for _, f := range fixes {
		if _, exists := s.fixes[f.Seq]; !exists {
			s.fixes[f.Seq] = f
		}
	}
	return nil
}

func (b *MemoryBackend) SaveMeta(_ context.Context, meta Meta) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[meta.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.meta = meta.clone()
	return nil
}

func (b *MemoryBackend) LoadSession(_ context.Context, sessionID string) (Meta, []Fix, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return Meta{}, nil, ErrSessionNotFound
	}
	fixes := make([]Fix, 0, len(s.fixes))
	for _, f := range s.fixes {
		fixes = append(fixes, f)
	}
	sort.Slice(fixes, func(i, j int) bool { return fixes[i].Seq < fixes[j].Seq })
	return s.meta.clone(), fixes, nil
}

func (b *MemoryBackend) ListOpen(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	type open struct {
		id      string
		started int64
	}
	var found []open
	for id, s := range b.sessions {
		if s.meta.State.Open() {
			found = append(found, open{id: id, started: s.meta.StartedAt.UnixNano()})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].started == found[j].started {
			return found[i].id < found[j].id
		}
		return found[i].started < found[j].started
	})
	ids := make([]string, len(found))
	for i, o := range found {
		ids[i] = o.id
	}
	return ids, nil
}

func (b *MemoryBackend) DeleteSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
	return nil
}
