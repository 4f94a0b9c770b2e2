package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// EntryType classifies a ledger entry
type EntryType string

const (
	EntryTypeTopUp         EntryType = "topup"
	EntryTypeCallDeduction EntryType = "call_deduction"
	EntryTypeRefund        EntryType = "refund"
	EntryTypeAdjustment    EntryType = "adjustment"
)

// LedgerEntry is one immutable signed movement on an organization's wallet.
// Entries are never updated or deleted; balance_before/balance_after chain
// consecutive entries so the serial order is verifiable after the fact.
type LedgerEntry struct {
	ID            uuid.UUID `json:"id"`
	OrgID         uuid.UUID `json:"org_id"`
	EntryType     EntryType `json:"entry_type"`
	AmountPence   int64     `json:"amount_pence"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	ExternalRef   *string   `json:"external_ref,omitempty"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

// LedgerMutation describes a requested balance change.
type LedgerMutation struct {
	OrgID       uuid.UUID
	AmountPence int64
	Type        EntryType
	ExternalRef *string
	Description string
}

// statementTimeout bounds every mutation transaction so a hung statement
// rolls back in full instead of holding the org row lock indefinitely.
const statementTimeout = "5s"

// ApplyLedgerMutation is the single choke point for every balance change.
// It locks the organization row, checks the debt limit for debits, inserts
// the ledger entry and updates the wallet balance in one transaction.
//
// A mutation whose (org_id, external_ref) already exists is a no-op success:
// the original entry is returned with applied=false. The duplicate lookup
// runs under the org row lock, so concurrent deliveries of the same event
// serialize and exactly one writes an entry; the partial unique index on
// ledger_entries arbitrates any remaining race at commit time.
func (db *DB) ApplyLedgerMutation(ctx context.Context, m LedgerMutation) (*LedgerEntry, bool, error) {
	if m.AmountPence == 0 {
		return nil, false, NewValidationError("amount must be nonzero")
	}
	switch m.Type {
	case EntryTypeTopUp, EntryTypeCallDeduction:
		if m.ExternalRef == nil || *m.ExternalRef == "" {
			return nil, false, NewValidationError(fmt.Sprintf("external_ref is required for %s entries", m.Type))
		}
	case EntryTypeRefund, EntryTypeAdjustment:
		// external_ref optional for internally originated entries
	default:
		return nil, false, NewValidationError(fmt.Sprintf("unknown entry type %q", m.Type))
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SET LOCAL statement_timeout = '"+statementTimeout+"'"); err != nil {
		return nil, false, fmt.Errorf("failed to set statement timeout: %w", err)
	}

	// Exclusive lock on the org row: all mutations for this org serialize
	// here, different orgs proceed in parallel.
	var balance, debtLimit int64
	err = tx.QueryRow(ctx, `
		SELECT wallet_balance_pence, debt_limit_pence
		FROM organizations
		WHERE id = $1
		FOR UPDATE
	`, m.OrgID).Scan(&balance, &debtLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrOrgNotFound
		}
		return nil, false, fmt.Errorf("failed to lock organization: %w", err)
	}

	// Duplicate lookup under the lock.
	if m.ExternalRef != nil && *m.ExternalRef != "" {
		existing, err := scanEntry(tx.QueryRow(ctx, entrySelect+`
			WHERE org_id = $1 AND external_ref = $2
		`, m.OrgID, *m.ExternalRef))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to check for duplicate entry: %w", err)
		}
	}

	balanceAfter := balance + m.AmountPence
	if m.AmountPence < 0 && balanceAfter < -debtLimit {
		return nil, false, ErrInsufficientFunds
	}

	entry := &LedgerEntry{
		OrgID:         m.OrgID,
		EntryType:     m.Type,
		AmountPence:   m.AmountPence,
		BalanceBefore: balance,
		BalanceAfter:  balanceAfter,
		ExternalRef:   m.ExternalRef,
		Description:   m.Description,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (
			org_id, entry_type, amount_pence, balance_before, balance_after,
			external_ref, description
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, entry.OrgID, entry.EntryType, entry.AmountPence, entry.BalanceBefore,
		entry.BalanceAfter, entry.ExternalRef, entry.Description,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the constraint race to a concurrent writer. The winner's
			// entry is committed, so report this delivery as a duplicate.
			tx.Rollback(ctx) //nolint:errcheck
			existing, fetchErr := db.GetLedgerEntryByExternalRef(ctx, m.OrgID, *m.ExternalRef)
			if fetchErr != nil {
				return nil, false, fmt.Errorf("failed to fetch winning duplicate entry: %w", fetchErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE organizations
		SET wallet_balance_pence = $2, updated_at = NOW()
		WHERE id = $1
	`, m.OrgID, balanceAfter); err != nil {
		return nil, false, fmt.Errorf("failed to update wallet balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit ledger mutation: %w", err)
	}

	return entry, true, nil
}

const entrySelect = `
	SELECT id, org_id, entry_type, amount_pence, balance_before, balance_after,
	       external_ref, description, created_at
	FROM ledger_entries`

func scanEntry(row pgx.Row) (*LedgerEntry, error) {
	entry := &LedgerEntry{}
	err := row.Scan(
		&entry.ID, &entry.OrgID, &entry.EntryType, &entry.AmountPence,
		&entry.BalanceBefore, &entry.BalanceAfter, &entry.ExternalRef,
		&entry.Description, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetLedgerEntryByExternalRef retrieves the entry recorded for an external
// event, if any.
func (db *DB) GetLedgerEntryByExternalRef(ctx context.Context, orgID uuid.UUID, externalRef string) (*LedgerEntry, error) {
	entry, err := scanEntry(db.QueryRow(ctx, entrySelect+`
		WHERE org_id = $1 AND external_ref = $2
	`, orgID, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ledger entry not found for external ref %s", externalRef)
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

// GetLedgerEntriesByOrg retrieves an organization's entries in reverse
// chronological order with pagination.
func (db *DB) GetLedgerEntriesByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := db.Query(ctx, entrySelect+`
		WHERE org_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, orgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		entry := &LedgerEntry{}
		err := rows.Scan(
			&entry.ID, &entry.OrgID, &entry.EntryType, &entry.AmountPence,
			&entry.BalanceBefore, &entry.BalanceAfter, &entry.ExternalRef,
			&entry.Description, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// BalanceDrift reports an organization whose stored wallet balance disagrees
// with the sum of its ledger entries.
type BalanceDrift struct {
	OrgID              uuid.UUID `json:"org_id"`
	WalletBalancePence int64     `json:"wallet_balance_pence"`
	LedgerSumPence     int64     `json:"ledger_sum_pence"`
}

// FindBalanceDrift returns every organization where
// wallet_balance_pence != sum(amount_pence). An empty result means the
// ledger invariant holds for all tenants.
func (db *DB) FindBalanceDrift(ctx context.Context) ([]*BalanceDrift, error) {
	rows, err := db.Query(ctx, `
		SELECT o.id, o.wallet_balance_pence, COALESCE(SUM(e.amount_pence), 0) AS ledger_sum
		FROM organizations o
		LEFT JOIN ledger_entries e ON e.org_id = o.id
		GROUP BY o.id, o.wallet_balance_pence
		HAVING o.wallet_balance_pence <> COALESCE(SUM(e.amount_pence), 0)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance drift: %w", err)
	}
	defer rows.Close()

	var drifts []*BalanceDrift
	for rows.Next() {
		d := &BalanceDrift{}
		if err := rows.Scan(&d.OrgID, &d.WalletBalancePence, &d.LedgerSumPence); err != nil {
			return nil, fmt.Errorf("failed to scan balance drift: %w", err)
		}
		drifts = append(drifts, d)
	}

	return drifts, rows.Err()
}
