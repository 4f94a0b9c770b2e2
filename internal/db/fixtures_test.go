package db

import (
	"context"
	"testing"

	"switchboard/internal/db/testutil"
)

// newTestDB wraps the container pool in a DB for tests in this package.
func newTestDB(t *testing.T) (*DB, *testutil.TestDB) {
	t.Helper()

	testDB := testutil.NewTestDB(t)
	t.Cleanup(func() { testDB.Close(t) })

	return &DB{pool: testDB.Pool}, testDB
}

// createTestOrg creates an organization with the given debt limit.
func createTestOrg(t *testing.T, db *DB, debtLimitPence int64) *Organization {
	t.Helper()

	org, err := db.CreateOrganization(context.Background(), "Test Org", debtLimitPence)
	if err != nil {
		t.Fatalf("Failed to create test organization: %v", err)
	}
	return org
}

// topUp seeds a wallet balance through the normal mutation path.
func topUp(t *testing.T, db *DB, org *Organization, amountPence int64, ref string) *LedgerEntry {
	t.Helper()

	entry, applied, err := db.ApplyLedgerMutation(context.Background(), LedgerMutation{
		OrgID:       org.ID,
		AmountPence: amountPence,
		Type:        EntryTypeTopUp,
		ExternalRef: &ref,
		Description: "test topup",
	})
	if err != nil {
		t.Fatalf("Failed to top up test wallet: %v", err)
	}
	if !applied {
		t.Fatalf("Test topup with ref %q was unexpectedly a duplicate", ref)
	}
	return entry
}
