/*
store.go - Persistence interface for loan aggregates

PURPOSE:
  Defines the boundary between the engine and the database. The engine never
  calls the store; the Service loads an aggregate, runs the pure pipeline and
  saves the result.

OPTIMISTIC LOCKING:
  Save succeeds only when the stored version equals loan.Version. The saved
  copy carries Version+1. A stale save returns ErrConcurrentModification;
  the caller reloads and reruns the deterministic pipeline.

ID ASSIGNMENT:
  Create assigns the loan ID. Create and Save assign IDs in place to
  transactions that have none, so a ChangedTransactionDetail built on the
  aggregate sees the persisted IDs. Transactions are never deleted: reversed
  ones are kept with their flag set.

IMPLEMENTATIONS:
  - loan/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite via database/sql
*/
package loan

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Create persists a new aggregate and returns it with IDs assigned.
	Create(ctx context.Context, l *Loan) (*Loan, error)

	// Load returns the aggregate or ErrLoanNotFound.
	Load(ctx context.Context, id int64) (*Loan, error)

	// Save replaces the stored aggregate if its version matches l.Version,
	// and returns l with IDs and the new version set.
	Save(ctx context.Context, l *Loan) (*Loan, error)

	// List returns every loan, ordered by ID.
	List(ctx context.Context) ([]*Loan, error)
}
