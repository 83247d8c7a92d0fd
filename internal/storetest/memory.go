// Package storetest provides in-memory implementations of every
// domain.*Store interface. The real stores are external collaborators
// (spec.md §1 scope note); these back unit and integration tests, and a
// small in-process deployment that doesn't need a database.
package storetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-labs/memoryrouter/internal/domain"
)

// Owners is an in-memory domain.OwnerStore.
type Owners struct {
	mu   sync.RWMutex
	rows map[string]*domain.Owner
}

func NewOwners() *Owners { return &Owners{rows: make(map[string]*domain.Owner)} }

func (o *Owners) Get(_ context.Context, ownerID string) (*domain.Owner, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	row, ok := o.rows[ownerID]
	if !ok {
		return nil, fmt.Errorf("owner %q: %w", ownerID, ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (o *Owners) Save(_ context.Context, owner *domain.Owner) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := *owner
	o.rows[owner.ID] = &cp
	return nil
}

// ListBillable returns every ACTIVE or ENTERPRISE owner, for the quota
// reporter's periodic cycle.
func (o *Owners) ListBillable(_ context.Context) ([]*domain.Owner, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*domain.Owner
	for _, row := range o.rows {
		if row.State == domain.BillingActive || row.State == domain.BillingEnterprise {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Contexts is an in-memory domain.ContextStore.
type Contexts struct {
	mu   sync.RWMutex
	rows map[string]*domain.Context
}

func NewContexts() *Contexts { return &Contexts{rows: make(map[string]*domain.Context)} }

func (c *Contexts) Get(_ context.Context, contextID string) (*domain.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[contextID]
	if !ok {
		return nil, fmt.Errorf("context %q: %w", contextID, ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (c *Contexts) Save(_ context.Context, ctxRow *domain.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *ctxRow
	c.rows[ctxRow.ID] = &cp
	return nil
}

func (c *Contexts) Delete(_ context.Context, contextID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, contextID)
	return nil
}

func (c *Contexts) ListByOwner(_ context.Context, ownerID string) ([]*domain.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*domain.Context
	for _, row := range c.rows {
		if row.OwnerID == ownerID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Sessions is an in-memory domain.SessionStore.
type Sessions struct {
	mu   sync.RWMutex
	rows map[string]*domain.Session
}

func NewSessions() *Sessions { return &Sessions{rows: make(map[string]*domain.Session)} }

func sessionKey(contextID, sessionID string) string { return contextID + "\x00" + sessionID }

func (s *Sessions) Get(_ context.Context, contextID, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[sessionKey(contextID, sessionID)]
	if !ok {
		return nil, fmt.Errorf("session %q/%q: %w", contextID, sessionID, ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (s *Sessions) Save(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.rows[sessionKey(sess.ContextID, sess.SessionID)] = &cp
	return nil
}

func (s *Sessions) Delete(_ context.Context, contextID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, sessionKey(contextID, sessionID))
	return nil
}

func (s *Sessions) ListByContext(_ context.Context, contextID string) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Session
	for _, row := range s.rows {
		if row.ContextID == contextID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Usage is an in-memory domain.UsageStore.
type Usage struct {
	mu   sync.RWMutex
	rows []*domain.UsageRecord
}

func NewUsage() *Usage { return &Usage{} }

func (u *Usage) Append(_ context.Context, rec *domain.UsageRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := *rec
	u.rows = append(u.rows, &cp)
	return nil
}

func (u *Usage) ListByOwner(_ context.Context, ownerID string, limit int) ([]*domain.UsageRecord, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var out []*domain.UsageRecord
	for i := len(u.rows) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if u.rows[i].OwnerID == ownerID {
			cp := *u.rows[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Credentials is an in-memory domain.CredentialStore.
type Credentials struct {
	mu   sync.RWMutex
	rows map[string]*domain.ProviderCredential
}

func NewCredentials() *Credentials {
	return &Credentials{rows: make(map[string]*domain.ProviderCredential)}
}

func credKey(ownerID, family string) string { return ownerID + "\x00" + family }

func (c *Credentials) Get(_ context.Context, ownerID, family string) (*domain.ProviderCredential, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[credKey(ownerID, family)]
	if !ok {
		return nil, fmt.Errorf("credential %q/%q: %w", ownerID, family, ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (c *Credentials) Save(_ context.Context, cred *domain.ProviderCredential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *cred
	c.rows[credKey(cred.OwnerID, cred.Family)] = &cp
	return nil
}

// Events is an in-memory domain.EventStore.
type Events struct {
	mu   sync.RWMutex
	rows map[string]*domain.SubscriptionEvent
}

func NewEvents() *Events { return &Events{rows: make(map[string]*domain.SubscriptionEvent)} }

func (e *Events) Get(_ context.Context, eventID string) (*domain.SubscriptionEvent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	row, ok := e.rows[eventID]
	if !ok {
		return nil, fmt.Errorf("event %q: %w", eventID, ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (e *Events) Save(_ context.Context, ev *domain.SubscriptionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *ev
	e.rows[ev.EventID] = &cp
	return nil
}

// Chunks is an in-memory domain.ChunkStore.
type Chunks struct {
	mu   sync.RWMutex
	rows map[string]*domain.Chunk
}

func NewChunks() *Chunks { return &Chunks{rows: make(map[string]*domain.Chunk)} }

func chunkKey(contextID, chunkID string) string { return contextID + "\x00" + chunkID }

func (c *Chunks) Save(_ context.Context, chunk *domain.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *chunk
	c.rows[chunkKey(chunk.ContextID, chunk.ID)] = &cp
	return nil
}

func (c *Chunks) Get(_ context.Context, contextID, chunkID string) (*domain.Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[chunkKey(contextID, chunkID)]
	if !ok {
		return nil, fmt.Errorf("chunk %q/%q: %w", contextID, chunkID, ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (c *Chunks) GetMany(_ context.Context, contextID string, ids []string) ([]*domain.Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.Chunk, 0, len(ids))
	for _, id := range ids {
		if row, ok := c.rows[chunkKey(contextID, id)]; ok {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (c *Chunks) ListBySession(_ context.Context, contextID, sessionID string) ([]*domain.Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*domain.Chunk
	for _, row := range c.rows {
		if row.ContextID == contextID && row.SessionID == sessionID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (c *Chunks) Delete(_ context.Context, contextID string, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.rows, chunkKey(contextID, id))
	}
	return nil
}

func (c *Chunks) DeleteByContext(_ context.Context, contextID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, row := range c.rows {
		if row.ContextID == contextID {
			delete(c.rows, key)
		}
	}
	return nil
}
