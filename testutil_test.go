package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgercore_test.db")
	storage, err := NewStorage(path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func seedAccount(t *testing.T, storage *Storage, account Account) {
	t.Helper()
	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketAccounts, []byte(account.ID), account)
	}))
}

func newTestAccount(code string, typ AccountType) Account {
	return Account{
		ID:            uuid.NewString(),
		Code:          code,
		Name:          code,
		Type:          typ,
		NormalBalance: typ.NormalBalance(),
		IsActive:      true,
		Currency:      "USD",
		CreatedAt:     time.Now(),
	}
}
