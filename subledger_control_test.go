package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

type fixedSubledgerEngine struct {
	name  string
	total Money
}

func (e fixedSubledgerEngine) Name() string { return e.name }
func (e fixedSubledgerEngine) Total(tx *bbolt.Tx, ledger string, asOf Money) (Money, error) {
	return e.total, nil
}

func packWithControl(contract SubledgerControlContract) *CompiledPolicyPack {
	return &CompiledPolicyPack{Controls: []SubledgerControlContract{contract}}
}

func TestSubledgerControlAgreesWithinTolerance(t *testing.T) {
	storage := newTestStorage(t)
	authority := NewPolicyAuthority(packWithControl(SubledgerControlContract{
		ContractName:    "ar-control",
		Ledger:          "GL",
		ControlRole:     "accounts_receivable",
		SubledgerEngine: "ar-subledger",
		Tolerance:       Money{Amount: mustDecimal("0.01"), Currency: "USD"},
	}), FixedClock{At: fixedNow})
	roleResolver := NewRoleResolver(authority, storage)
	control := NewSubledgerControl(authority, roleResolver, fixedSubledgerEngine{
		name: "ar-subledger", total: Money{Amount: mustDecimal("500.00"), Currency: "USD"},
	})

	var results []SubledgerTieOut
	require.NoError(t, storage.View(func(tx *bbolt.Tx) error {
		var err error
		results, err = control.Check(tx, "GL", map[string]Money{
			"accounts_receivable": {Amount: mustDecimal("500.00"), Currency: "USD"},
		})
		return err
	}))
	require.Len(t, results, 1)
	assert.True(t, results[0].WithinTolerance)
}

func TestSubledgerControlFlagsOutOfBalance(t *testing.T) {
	storage := newTestStorage(t)
	authority := NewPolicyAuthority(packWithControl(SubledgerControlContract{
		ContractName:    "ar-control",
		Ledger:          "GL",
		ControlRole:     "accounts_receivable",
		SubledgerEngine: "ar-subledger",
		Tolerance:       Money{Amount: mustDecimal("0.01"), Currency: "USD"},
	}), FixedClock{At: fixedNow})
	roleResolver := NewRoleResolver(authority, storage)
	control := NewSubledgerControl(authority, roleResolver, fixedSubledgerEngine{
		name: "ar-subledger", total: Money{Amount: mustDecimal("450.00"), Currency: "USD"},
	})

	err := storage.View(func(tx *bbolt.Tx) error {
		_, err := control.Check(tx, "GL", map[string]Money{
			"accounts_receivable": {Amount: mustDecimal("500.00"), Currency: "USD"},
		})
		return err
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSubledgerOutOfBalance))
}

func TestSubledgerControlRejectsUnregisteredEngine(t *testing.T) {
	storage := newTestStorage(t)
	authority := NewPolicyAuthority(packWithControl(SubledgerControlContract{
		ContractName:    "ar-control",
		Ledger:          "GL",
		ControlRole:     "accounts_receivable",
		SubledgerEngine: "missing-engine",
		Tolerance:       Money{Amount: mustDecimal("0.01"), Currency: "USD"},
	}), FixedClock{At: fixedNow})
	roleResolver := NewRoleResolver(authority, storage)
	control := NewSubledgerControl(authority, roleResolver)

	err := storage.View(func(tx *bbolt.Tx) error {
		_, err := control.Check(tx, "GL", map[string]Money{"accounts_receivable": {Amount: mustDecimal("500.00"), Currency: "USD"}})
		return err
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSubledgerOutOfBalance))
}
