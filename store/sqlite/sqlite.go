/*
Package sqlite provides a SQLite-backed implementation of loan.Store.

PURPOSE:
  Persists loan aggregates: the loan row, its installments, transactions and
  charges. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  loan.Store: aggregate persistence with optimistic locking
  ProductStore methods: loan product definitions as JSON (see factory/)

KEY TABLES:
  loans:        one row per aggregate, version column for optimistic locking
  installments: ledger state per installment, rewritten on every save
  transactions: never deleted; reversal flags and derived portions are updated
  charges:      charge definitions and their per-installment portions
  products:     loan product JSON (versioned)

TRANSACTION IMMUTABILITY:
  Identity columns of a transaction (type, date, amount, relations) are
  written once on INSERT. Save only updates the columns the replay engine
  derives: portions, reversal flag, reversal date and external id.

OPTIMISTIC LOCKING:
  Save runs "UPDATE loans ... WHERE id = ? AND version = ?" inside a SQL
  transaction. Zero affected rows means another writer won; the whole save is
  rolled back and ErrConcurrentModification returned.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/loans.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := loan.NewService(store, loan.NewEngine(logger), notifier, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - loan/store.go: Interface definition
  - loan/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-servicing/loan"
)

// Store implements loan.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database exists per connection.
	if strings.HasPrefix(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT UNIQUE,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		currency_code TEXT NOT NULL,
		currency_digits INTEGER NOT NULL,
		allocation_rule_json TEXT NOT NULL,
		charge_off_behaviour TEXT NOT NULL,
		multi_disbursement INTEGER NOT NULL DEFAULT 0,
		approved_principal TEXT NOT NULL,
		disbursements_json TEXT NOT NULL,
		overpayment_balance TEXT NOT NULL,
		dates_json TEXT NOT NULL,
		charged_off INTEGER NOT NULL DEFAULT 0,
		charged_off_on TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);

	-- Installments are regenerated by the replay engine; position keeps slice order.
	CREATE TABLE IF NOT EXISTS installments (
		loan_id INTEGER NOT NULL REFERENCES loans(id),
		position INTEGER NOT NULL,
		number INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		obligations_met INTEGER NOT NULL DEFAULT 0,
		data_json TEXT NOT NULL,
		PRIMARY KEY (loan_id, position)
	);

	-- Delinquency reporting reads unmet installments by due date.
	CREATE INDEX IF NOT EXISTS idx_installments_due
		ON installments(due_date) WHERE obligations_met = 0;

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		loan_id INTEGER NOT NULL REFERENCES loans(id),
		sequence INTEGER NOT NULL,
		external_id TEXT,
		tx_type TEXT NOT NULL,
		tx_date TEXT NOT NULL,
		submitted_on TEXT,
		created_at TEXT,
		amount TEXT NOT NULL,
		portions_json TEXT NOT NULL,
		overpayment_portion TEXT NOT NULL,
		credited_json TEXT NOT NULL,
		reversed INTEGER NOT NULL DEFAULT 0,
		reversed_on TEXT,
		charge_id INTEGER,
		original_transaction_id INTEGER,
		replaces_id INTEGER,
		re_age_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_loan
		ON transactions(loan_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_transactions_external
		ON transactions(external_id) WHERE external_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS charges (
		loan_id INTEGER NOT NULL REFERENCES loans(id),
		id INTEGER NOT NULL,
		name TEXT NOT NULL,
		penalty INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		data_json TEXT NOT NULL,
		PRIMARY KEY (loan_id, id)
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		config_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOAN STORE (loan.Store interface)
// =============================================================================

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loanDates groups the lifecycle dates stored as one JSON column.
type loanDates struct {
	SubmittedOn          loan.Date `json:"submitted_on"`
	ApprovedOn           loan.Date `json:"approved_on"`
	DisbursedOn          loan.Date `json:"disbursed_on"`
	ClosedOn             loan.Date `json:"closed_on"`
	MaturityDate         loan.Date `json:"maturity_date"`
	ExpectedMaturityDate loan.Date `json:"expected_maturity_date"`
	OverpaidOn           loan.Date `json:"overpaid_on"`
	WrittenOffOn         loan.Date `json:"written_off_on"`
	RescheduledOn        loan.Date `json:"rescheduled_on"`
}

// Create inserts a new aggregate. IDs are assigned in place.
func (s *Store) Create(ctx context.Context, l *loan.Loan) (*loan.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := encodeLoan(l)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO loans
			(external_id, version, status, currency_code, currency_digits, allocation_rule_json,
			 charge_off_behaviour, multi_disbursement, approved_principal, disbursements_json,
			 overpayment_balance, dates_json, charged_off, charged_off_on, updated_at)
			VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullString(l.ExternalID), row.status, l.Currency.Code, l.Currency.Digits, row.rule,
			string(l.ChargeOffBehaviour), l.MultiDisbursement, l.ApprovedPrincipal.String(), row.disbursements,
			l.OverpaymentBalance.String(), row.dates, l.ChargedOff, nullString(l.ChargedOffOn.String()), now(),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: external id %q already exists", loan.ErrInvalidLoan, l.ExternalID)
			}
			return fmt.Errorf("failed to insert loan: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		l.ID = id
		return s.writeChildren(ctx, tx, l)
	})
	if err != nil {
		return nil, err
	}
	l.Version = 1
	return l, nil
}

// Save replaces the aggregate if the stored version matches l.Version.
func (s *Store) Save(ctx context.Context, l *loan.Loan) (*loan.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Work on a copy so a rolled-back save leaves the caller's IDs untouched.
	working := l.Clone()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := encodeLoan(working)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE loans SET
				version = version + 1, status = ?, currency_code = ?, currency_digits = ?,
				allocation_rule_json = ?, charge_off_behaviour = ?, multi_disbursement = ?,
				approved_principal = ?, disbursements_json = ?, overpayment_balance = ?,
				dates_json = ?, charged_off = ?, charged_off_on = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			row.status, working.Currency.Code, working.Currency.Digits, row.rule,
			string(working.ChargeOffBehaviour), working.MultiDisbursement,
			working.ApprovedPrincipal.String(), row.disbursements, working.OverpaymentBalance.String(),
			row.dates, working.ChargedOff, nullString(working.ChargedOffOn.String()), now(),
			working.ID, working.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM loans WHERE id = ?", working.ID).Scan(&exists)
			if err != nil {
				return err
			}
			if exists == 0 {
				return loan.ErrLoanNotFound
			}
			return loan.ErrConcurrentModification
		}
		return s.writeChildren(ctx, tx, working)
	})
	if err != nil {
		return nil, err
	}

	// Copy assigned IDs back onto the caller's transactions.
	for i, tx := range l.Transactions {
		if tx.ID == nil {
			tx.ID = working.Transactions[i].ID
		}
	}
	l.Version++
	return l, nil
}

// Load returns the aggregate or loan.ErrLoanNotFound.
func (s *Store) Load(ctx context.Context, id int64) (*loan.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(ctx, s.db, id)
}

// List returns every loan ordered by ID.
func (s *Store) List(ctx context.Context) ([]*loan.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM loans ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	loans := make([]*loan.Loan, 0, len(ids))
	for _, id := range ids {
		l, err := s.load(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, nil
}

func (s *Store) load(ctx context.Context, db execer, id int64) (*loan.Loan, error) {
	var (
		l                          loan.Loan
		externalID, chargedOffOn   sql.NullString
		status, rule, behaviour    string
		approved, disb, overpaid   string
		dates                      string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, external_id, version, status, currency_code, currency_digits, allocation_rule_json,
		       charge_off_behaviour, multi_disbursement, approved_principal, disbursements_json,
		       overpayment_balance, dates_json, charged_off, charged_off_on
		FROM loans WHERE id = ?`, id,
	).Scan(&l.ID, &externalID, &l.Version, &status, &l.Currency.Code, &l.Currency.Digits, &rule,
		&behaviour, &l.MultiDisbursement, &approved, &disb, &overpaid, &dates, &l.ChargedOff, &chargedOffOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loan.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan %d: %w", id, err)
	}

	l.ExternalID = externalID.String
	if l.Status, err = loan.ParseLoanStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rule), &l.AllocationRule); err != nil {
		return nil, fmt.Errorf("failed to decode allocation rule: %w", err)
	}
	l.ChargeOffBehaviour = loan.ChargeOffBehaviour(behaviour)
	if l.ApprovedPrincipal, err = parseAmount("approved_principal", approved); err != nil {
		return nil, err
	}
	if l.OverpaymentBalance, err = parseAmount("overpayment_balance", overpaid); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(disb), &l.Disbursements); err != nil {
		return nil, fmt.Errorf("failed to decode disbursements: %w", err)
	}
	var d loanDates
	if err := json.Unmarshal([]byte(dates), &d); err != nil {
		return nil, fmt.Errorf("failed to decode loan dates: %w", err)
	}
	l.SubmittedOn, l.ApprovedOn, l.DisbursedOn = d.SubmittedOn, d.ApprovedOn, d.DisbursedOn
	l.ClosedOn, l.MaturityDate, l.ExpectedMaturityDate = d.ClosedOn, d.MaturityDate, d.ExpectedMaturityDate
	l.OverpaidOn, l.WrittenOffOn, l.RescheduledOn = d.OverpaidOn, d.WrittenOffOn, d.RescheduledOn
	l.ChargedOffOn = parseDate(chargedOffOn)

	if l.Installments, err = s.loadInstallments(ctx, db, id); err != nil {
		return nil, err
	}
	if l.Transactions, err = s.loadTransactions(ctx, db, id); err != nil {
		return nil, err
	}
	if l.Charges, err = s.loadCharges(ctx, db, id); err != nil {
		return nil, err
	}
	l.Summary = loan.ComputeSummary(&l)
	return &l, nil
}

// =============================================================================
// CHILD ROWS
// =============================================================================

func (s *Store) writeChildren(ctx context.Context, tx *sql.Tx, l *loan.Loan) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM installments WHERE loan_id = ?", l.ID); err != nil {
		return fmt.Errorf("failed to clear installments: %w", err)
	}
	for pos, inst := range l.Installments {
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO installments (loan_id, position, number, due_date, obligations_met, data_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			l.ID, pos, inst.Number, inst.DueDate.String(), inst.ObligationsMet, string(data),
		)
		if err != nil {
			return fmt.Errorf("failed to insert installment %d: %w", inst.Number, err)
		}
	}

	for _, c := range l.Charges {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO charges (loan_id, id, name, penalty, active, data_json)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(loan_id, id) DO UPDATE SET
				name = excluded.name,
				penalty = excluded.penalty,
				active = excluded.active,
				data_json = excluded.data_json`,
			l.ID, c.ID, c.Name, c.Penalty, c.Active, string(data),
		)
		if err != nil {
			return fmt.Errorf("failed to write charge %d: %w", c.ID, err)
		}
	}

	for _, t := range l.Transactions {
		if t.ID == nil {
			if err := insertTransaction(ctx, tx, l.ID, t); err != nil {
				return err
			}
			continue
		}
		if err := updateTransaction(ctx, tx, l.ID, t); err != nil {
			return err
		}
	}
	return nil
}

func insertTransaction(ctx context.Context, db execer, loanID int64, t *loan.Transaction) error {
	portions, credited, reAge, err := encodeTransaction(t)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO transactions
		(loan_id, sequence, external_id, tx_type, tx_date, submitted_on, created_at, amount,
		 portions_json, overpayment_portion, credited_json, reversed, reversed_on,
		 charge_id, original_transaction_id, replaces_id, re_age_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loanID, t.Sequence, nullString(t.ExternalID), string(t.Type), t.Date.String(),
		nullString(t.SubmittedOn.String()), nullTime(t.CreatedAt), t.Amount.String(),
		portions, t.OverpaymentPortion.String(), credited, t.Reversed, nullString(t.ReversedOn.String()),
		nullInt64(t.ChargeID), nullInt64(t.OriginalTransactionID), nullInt64(t.ReplacesID), reAge,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = loan.Int64Ptr(id)
	return nil
}

// updateTransaction writes only the columns the replay engine derives.
func updateTransaction(ctx context.Context, db execer, loanID int64, t *loan.Transaction) error {
	portions, credited, _, err := encodeTransaction(t)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE transactions SET
			external_id = ?, portions_json = ?, overpayment_portion = ?, credited_json = ?,
			reversed = ?, reversed_on = ?
		WHERE id = ? AND loan_id = ?`,
		nullString(t.ExternalID), portions, t.OverpaymentPortion.String(), credited,
		t.Reversed, nullString(t.ReversedOn.String()), *t.ID, loanID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", *t.ID, err)
	}
	return nil
}

func (s *Store) loadInstallments(ctx context.Context, db execer, loanID int64) ([]*loan.Installment, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT data_json FROM installments WHERE loan_id = ? ORDER BY position", loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var result []*loan.Installment
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var inst loan.Installment
		if err := json.Unmarshal([]byte(data), &inst); err != nil {
			return nil, fmt.Errorf("failed to decode installment: %w", err)
		}
		result = append(result, &inst)
	}
	return result, rows.Err()
}

func (s *Store) loadCharges(ctx context.Context, db execer, loanID int64) ([]*loan.Charge, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT data_json FROM charges WHERE loan_id = ? ORDER BY id", loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var result []*loan.Charge
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c loan.Charge
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("failed to decode charge: %w", err)
		}
		result = append(result, &c)
	}
	return result, rows.Err()
}

func (s *Store) loadTransactions(ctx context.Context, db execer, loanID int64) ([]*loan.Transaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, sequence, external_id, tx_type, tx_date, submitted_on, created_at, amount,
		       portions_json, overpayment_portion, credited_json, reversed, reversed_on,
		       charge_id, original_transaction_id, replaces_id, re_age_json
		FROM transactions WHERE loan_id = ? ORDER BY sequence`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var result []*loan.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanTransaction(rows *sql.Rows) (*loan.Transaction, error) {
	var (
		t                                  loan.Transaction
		id                                 int64
		externalID, submittedOn, createdAt sql.NullString
		reversedOn, reAge                  sql.NullString
		txType, txDate, amount, overpaid   string
		portions, credited                 string
		chargeID, originalID, replacesID   sql.NullInt64
	)

	err := rows.Scan(
		&id, &t.Sequence, &externalID, &txType, &txDate, &submittedOn, &createdAt, &amount,
		&portions, &overpaid, &credited, &t.Reversed, &reversedOn,
		&chargeID, &originalID, &replacesID, &reAge,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	t.ID = loan.Int64Ptr(id)
	t.ExternalID = externalID.String
	if t.Type, err = loan.ParseTransactionType(txType); err != nil {
		return nil, err
	}
	if t.Date, err = loan.ParseDate(txDate); err != nil {
		return nil, err
	}
	t.SubmittedOn = parseDate(submittedOn)
	if createdAt.Valid {
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}
	if t.Amount, err = parseAmount("amount", amount); err != nil {
		return nil, err
	}
	if t.OverpaymentPortion, err = parseAmount("overpayment_portion", overpaid); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(portions), &t.Portions); err != nil {
		return nil, fmt.Errorf("failed to decode portions: %w", err)
	}
	if err := json.Unmarshal([]byte(credited), &t.Credited); err != nil {
		return nil, fmt.Errorf("failed to decode credited: %w", err)
	}
	t.ReversedOn = parseDate(reversedOn)
	t.ChargeID = int64Ptr(chargeID)
	t.OriginalTransactionID = int64Ptr(originalID)
	t.ReplacesID = int64Ptr(replacesID)
	if reAge.Valid && reAge.String != "" {
		var terms loan.ReAgeTerms
		if err := json.Unmarshal([]byte(reAge.String), &terms); err != nil {
			return nil, fmt.Errorf("failed to decode re-age terms: %w", err)
		}
		t.ReAge = &terms
	}
	return &t, nil
}

// =============================================================================
// PRODUCT STORE
// =============================================================================

// ProductRecord is a stored loan product with its JSON config.
type ProductRecord struct {
	ID         string
	Name       string
	ConfigJSON string
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaveProduct inserts or updates a product, bumping its version.
func (s *Store) SaveProduct(ctx context.Context, p ProductRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO products (id, name, config_json, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			config_json = excluded.config_json,
			version = products.version + 1,
			updated_at = excluded.updated_at
	`

	ts := now()
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.ConfigJSON, ts, ts)
	return err
}

// GetProduct retrieves a product by ID; nil when absent.
func (s *Store) GetProduct(ctx context.Context, id string) (*ProductRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p ProductRecord
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, config_json, version, created_at, updated_at FROM products WHERE id = ?",
		id,
	).Scan(&p.ID, &p.Name, &p.ConfigJSON, &p.Version, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// ListProducts returns all products ordered by name.
func (s *Store) ListProducts(ctx context.Context) ([]ProductRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, config_json, version, created_at, updated_at FROM products ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []ProductRecord
	for rows.Next() {
		var p ProductRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.ConfigJSON, &p.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		products = append(products, p)
	}
	return products, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"transactions", "installments", "charges", "loans", "products"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn in a SQL transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type encodedLoan struct {
	status, rule, disbursements, dates string
}

func encodeLoan(l *loan.Loan) (encodedLoan, error) {
	rule, err := json.Marshal(l.AllocationRule)
	if err != nil {
		return encodedLoan{}, err
	}
	disb := l.Disbursements
	if disb == nil {
		disb = []loan.Disbursement{}
	}
	disbursements, err := json.Marshal(disb)
	if err != nil {
		return encodedLoan{}, err
	}
	dates, err := json.Marshal(loanDates{
		SubmittedOn: l.SubmittedOn, ApprovedOn: l.ApprovedOn, DisbursedOn: l.DisbursedOn,
		ClosedOn: l.ClosedOn, MaturityDate: l.MaturityDate, ExpectedMaturityDate: l.ExpectedMaturityDate,
		OverpaidOn: l.OverpaidOn, WrittenOffOn: l.WrittenOffOn, RescheduledOn: l.RescheduledOn,
	})
	if err != nil {
		return encodedLoan{}, err
	}
	return encodedLoan{
		status:        l.Status.String(),
		rule:          string(rule),
		disbursements: string(disbursements),
		dates:         string(dates),
	}, nil
}

func encodeTransaction(t *loan.Transaction) (portions, credited string, reAge sql.NullString, err error) {
	p, err := json.Marshal(t.Portions)
	if err != nil {
		return "", "", reAge, err
	}
	c, err := json.Marshal(t.Credited)
	if err != nil {
		return "", "", reAge, err
	}
	if t.ReAge != nil {
		r, err := json.Marshal(t.ReAge)
		if err != nil {
			return "", "", reAge, err
		}
		reAge = sql.NullString{String: string(r), Valid: true}
	}
	return string(p), string(c), reAge, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return loan.Int64Ptr(v.Int64)
}

func parseAmount(column, v string) (decimal.Decimal, error) {
	d, err := loan.ParseDecimal(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode %s: %w", column, err)
	}
	return d, nil
}

func parseDate(v sql.NullString) loan.Date {
	if !v.Valid {
		return loan.Date{}
	}
	d, _ := loan.ParseDate(v.String)
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
