package audit

import "context"

// Ledger is the append-only hash-chain interface. MemoryLedger and
// PostgresLedger both implement it.
type Ledger interface {
	// Append adds a new entry chained to the previous one. payload is
	// JSON-marshalled and its SHA-256 stored as DataHash.
	Append(ctx context.Context, agentID, action, actor string, payload any) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// List returns entries newest-first, optionally filtered by agent.
	List(ctx context.Context, agentID string, limit, offset int) ([]*Entry, error)

	// Len returns the total number of entries including genesis.
	Len(ctx context.Context) (int, error)

	// Verify walks the whole chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry.
	Root(ctx context.Context) (string, error)
}
