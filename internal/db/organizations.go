package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Organization represents a tenant's billing state. Exactly one row per
// tenant; wallet_balance_pence is mutated only by ApplyLedgerMutation.
type Organization struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	WalletBalancePence int64     `json:"wallet_balance_pence"`
	DebtLimitPence     int64     `json:"debt_limit_pence"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CreateOrganization creates a tenant row with a zero balance. The identity
// service owns tenant lifecycle; this only materializes the billing state.
func (db *DB) CreateOrganization(ctx context.Context, name string, debtLimitPence int64) (*Organization, error) {
	if debtLimitPence < 0 {
		return nil, NewValidationError("debt limit cannot be negative")
	}

	org := &Organization{Name: name, DebtLimitPence: debtLimitPence}
	err := db.QueryRow(ctx, `
		INSERT INTO organizations (name, debt_limit_pence)
		VALUES ($1, $2)
		RETURNING id, wallet_balance_pence, created_at, updated_at
	`, name, debtLimitPence).Scan(&org.ID, &org.WalletBalancePence, &org.CreatedAt, &org.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	return org, nil
}

// GetOrganizationByID retrieves an organization by its ID
func (db *DB) GetOrganizationByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	org := &Organization{}
	err := db.QueryRow(ctx, `
		SELECT id, name, wallet_balance_pence, debt_limit_pence, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`, id).Scan(
		&org.ID, &org.Name, &org.WalletBalancePence, &org.DebtLimitPence,
		&org.CreatedAt, &org.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrgNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return org, nil
}

// UpdateDebtLimit sets a new debt limit for an organization.
func (db *DB) UpdateDebtLimit(ctx context.Context, id uuid.UUID, debtLimitPence int64) error {
	if debtLimitPence < 0 {
		return NewValidationError("debt limit cannot be negative")
	}

	result, err := db.ExecResult(ctx, `
		UPDATE organizations
		SET debt_limit_pence = $2, updated_at = NOW()
		WHERE id = $1
	`, id, debtLimitPence)
	if err != nil {
		return fmt.Errorf("failed to update debt limit: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrOrgNotFound
	}

	return nil
}
