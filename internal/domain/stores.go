package domain

import "context"

// OwnerStore is the contract for reading and updating Owner rows. The real
// implementation (a database) is an external collaborator; the core only
// consumes this interface, per the scope note in spec.md §1.
type OwnerStore interface {
	Get(ctx context.Context, ownerID string) (*Owner, error)
	Save(ctx context.Context, owner *Owner) error
}

// ContextStore is the contract for resolving and managing memory-context
// identifiers.
type ContextStore interface {
	Get(ctx context.Context, contextID string) (*Context, error)
	Save(ctx context.Context, c *Context) error
	Delete(ctx context.Context, contextID string) error
	ListByOwner(ctx context.Context, ownerID string) ([]*Context, error)
}

// SessionStore is the contract for session lifecycle and aggregate counters.
type SessionStore interface {
	Get(ctx context.Context, contextID, sessionID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, contextID, sessionID string) error
	ListByContext(ctx context.Context, contextID string) ([]*Session, error)
}

// UsageStore is the append-only usage record log.
type UsageStore interface {
	Append(ctx context.Context, rec *UsageRecord) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*UsageRecord, error)
}

// CredentialStore resolves per-Owner, per-family provider credentials.
type CredentialStore interface {
	Get(ctx context.Context, ownerID, family string) (*ProviderCredential, error)
	Save(ctx context.Context, cred *ProviderCredential) error
}

// EventStore backs the idempotent subscription-events log.
type EventStore interface {
	Get(ctx context.Context, eventID string) (*SubscriptionEvent, error)
	Save(ctx context.Context, ev *SubscriptionEvent) error
}

// ChunkStore holds the full content of stored chunks. The vector index
// (internal/index) only ever carries search metadata alongside a chunk id;
// ChunkStore is where the id resolves back to role, content, and the rest
// of the immutable record.
type ChunkStore interface {
	Save(ctx context.Context, c *Chunk) error
	Get(ctx context.Context, contextID, chunkID string) (*Chunk, error)
	GetMany(ctx context.Context, contextID string, ids []string) ([]*Chunk, error)
	ListBySession(ctx context.Context, contextID, sessionID string) ([]*Chunk, error)
	Delete(ctx context.Context, contextID string, ids []string) error
	DeleteByContext(ctx context.Context, contextID string) error
}
