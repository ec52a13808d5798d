package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestJournalWriter(t *testing.T, storage *Storage, pack *CompiledPolicyPack) *JournalWriter {
	t.Helper()
	authority := NewPolicyAuthority(pack, FixedClock{At: fixedNow})
	roleResolver := NewRoleResolver(authority, storage)
	periodAuthority := NewPeriodAuthority(storage, FixedClock{At: fixedNow})
	linkGraph := NewLinkGraph(authority)
	clock := FixedClock{At: fixedNow}

	require.NoError(t, periodAuthority.CreatePeriod(FiscalPeriod{
		PeriodCode: "2026-03",
		StartDate:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}))

	return NewJournalWriter(roleResolver, periodAuthority, linkGraph, clock)
}

func basicPack() *CompiledPolicyPack {
	effFrom := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return &CompiledPolicyPack{
		RoleBindings: []RoleBinding{
			{Role: "cash", Ledger: "GL", AccountCode: "1000", EffectiveFrom: effFrom},
			{Role: "revenue", Ledger: "GL", AccountCode: "4000", EffectiveFrom: effFrom},
			{Role: "rounding", Ledger: "GL", AccountCode: "9999", EffectiveFrom: effFrom},
		},
		LinkTypeSpecs: map[LinkType]LinkTypeSpec{
			LinkFulfilledBy: {Type: LinkFulfilledBy},
		},
	}
}

func seedBasicAccounts(t *testing.T, storage *Storage) {
	t.Helper()
	cash := newTestAccount("1000", Asset)
	revenue := newTestAccount("4000", Revenue)
	rounding := newTestAccount("9999", Expense)
	seedAccount(t, storage, cash)
	seedAccount(t, storage, revenue)
	seedAccount(t, storage, rounding)
}

func balancedIntent() *AccountingIntent {
	return &AccountingIntent{
		Ledger:        "GL",
		SourceEventID: "evt-1",
		RoundingRole:  "rounding",
		Lines: []IntentLine{
			{Role: "cash", Side: Debit, Amount: Money{Amount: mustDecimal("100.00"), Currency: "USD"}},
			{Role: "revenue", Side: Credit, Amount: Money{Amount: mustDecimal("100.00"), Currency: "USD"}},
		},
	}
}

func TestJournalWriterPostsBalancedIntent(t *testing.T) {
	storage := newTestStorage(t)
	pack := basicPack()
	seedBasicAccounts(t, storage)
	writer := newTestJournalWriter(t, storage, pack)
	policy := Policy{Name: "sale-recognized", Version: "v1"}

	var result JournalWriteResult
	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		var err error
		result, err = writer.Write(tx, balancedIntent(), policy, ReferenceSnapshot{}, fixedNow, "system")
		return err
	}))
	assert.False(t, result.Idempotent)
	assert.Len(t, result.Lines, 2)
	assert.Equal(t, StatusPosted, result.Entry.Status)
}

func TestJournalWriterIsIdempotentOnRetry(t *testing.T) {
	storage := newTestStorage(t)
	pack := basicPack()
	seedBasicAccounts(t, storage)
	writer := newTestJournalWriter(t, storage, pack)
	policy := Policy{Name: "sale-recognized", Version: "v1"}

	var first, second JournalWriteResult
	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		var err error
		first, err = writer.Write(tx, balancedIntent(), policy, ReferenceSnapshot{}, fixedNow, "system")
		return err
	}))
	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		var err error
		second, err = writer.Write(tx, balancedIntent(), policy, ReferenceSnapshot{}, fixedNow, "system")
		return err
	}))

	assert.False(t, first.Idempotent)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Entry.EntryID, second.Entry.EntryID)
}

func TestJournalWriterRejectsUnbalancedIntentOutsideTolerance(t *testing.T) {
	storage := newTestStorage(t)
	pack := basicPack()
	seedBasicAccounts(t, storage)
	writer := newTestJournalWriter(t, storage, pack)
	policy := Policy{Name: "sale-recognized", Version: "v1"}

	intent := &AccountingIntent{
		Ledger:        "GL",
		SourceEventID: "evt-1",
		Lines: []IntentLine{
			{Role: "cash", Side: Debit, Amount: Money{Amount: mustDecimal("100.00"), Currency: "USD"}},
			{Role: "revenue", Side: Credit, Amount: Money{Amount: mustDecimal("90.00"), Currency: "USD"}},
		},
	}

	err := storage.Update(func(tx *bbolt.Tx) error {
		_, err := writer.Write(tx, intent, policy, ReferenceSnapshot{}, fixedNow, "system")
		return err
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnbalancedIntent))
}

func TestJournalWriterSynthesizesRoundingLineWithinTolerance(t *testing.T) {
	storage := newTestStorage(t)
	pack := basicPack()
	seedBasicAccounts(t, storage)
	writer := newTestJournalWriter(t, storage, pack)
	policy := Policy{Name: "sale-recognized", Version: "v1"}

	intent := &AccountingIntent{
		Ledger:        "GL",
		SourceEventID: "evt-1",
		RoundingRole:  "rounding",
		Lines: []IntentLine{
			{Role: "cash", Side: Debit, Amount: Money{Amount: mustDecimal("100.00"), Currency: "USD"}},
			{Role: "revenue", Side: Credit, Amount: Money{Amount: mustDecimal("99.99"), Currency: "USD"}},
		},
	}

	var result JournalWriteResult
	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		var err error
		result, err = writer.Write(tx, intent, policy, ReferenceSnapshot{}, fixedNow, "system")
		return err
	}))
	require.Len(t, result.Lines, 3)

	roundingLines := 0
	for _, l := range result.Lines {
		if l.IsRounding {
			roundingLines++
		}
	}
	assert.Equal(t, 1, roundingLines)
}

func TestJournalWriterRejectsMissingRoundingRole(t *testing.T) {
	storage := newTestStorage(t)
	pack := basicPack()
	seedBasicAccounts(t, storage)
	writer := newTestJournalWriter(t, storage, pack)
	policy := Policy{Name: "sale-recognized", Version: "v1"}

	intent := &AccountingIntent{
		Ledger:        "GL",
		SourceEventID: "evt-1",
		Lines: []IntentLine{
			{Role: "cash", Side: Debit, Amount: Money{Amount: mustDecimal("100.00"), Currency: "USD"}},
			{Role: "revenue", Side: Credit, Amount: Money{Amount: mustDecimal("99.99"), Currency: "USD"}},
		},
	}

	err := storage.Update(func(tx *bbolt.Tx) error {
		_, err := writer.Write(tx, intent, policy, ReferenceSnapshot{}, fixedNow, "system")
		return err
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRoundingAccountMissing))
}

func TestJournalWriterRejectsMixedCurrencies(t *testing.T) {
	storage := newTestStorage(t)
	pack := basicPack()
	seedBasicAccounts(t, storage)
	writer := newTestJournalWriter(t, storage, pack)
	policy := Policy{Name: "sale-recognized", Version: "v1"}

	intent := &AccountingIntent{
		Ledger:        "GL",
		SourceEventID: "evt-1",
		Lines: []IntentLine{
			{Role: "cash", Side: Debit, Amount: Money{Amount: mustDecimal("100.00"), Currency: "USD"}},
			{Role: "revenue", Side: Credit, Amount: Money{Amount: mustDecimal("100.00"), Currency: "EUR"}},
		},
	}

	err := storage.Update(func(tx *bbolt.Tx) error {
		_, err := writer.Write(tx, intent, policy, ReferenceSnapshot{}, fixedNow, "system")
		return err
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidCurrency))
}

func TestJournalWriterRejectsPostingIntoClosedPeriod(t *testing.T) {
	storage := newTestStorage(t)
	pack := basicPack()
	seedBasicAccounts(t, storage)
	writer := newTestJournalWriter(t, storage, pack)
	policy := Policy{Name: "sale-recognized", Version: "v1"}

	periodAuthority := NewPeriodAuthority(storage, FixedClock{At: fixedNow})
	_, err := periodAuthority.ClosePeriod("2026-03", false)
	require.NoError(t, err)

	err = storage.Update(func(tx *bbolt.Tx) error {
		_, err := writer.Write(tx, balancedIntent(), policy, ReferenceSnapshot{}, fixedNow, "system")
		return err
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindPeriodClosed))
}

func TestJournalWriterDirectAccountIDBypassesRoleResolution(t *testing.T) {
	storage := newTestStorage(t)
	pack := basicPack()
	seedBasicAccounts(t, storage)
	writer := newTestJournalWriter(t, storage, pack)
	policy := Policy{Name: "reversal", Version: "v1"}

	cash := newTestAccount("1000-direct", Asset)
	seedAccount(t, storage, cash)

	intent := &AccountingIntent{
		Ledger:        "GL",
		SourceEventID: "evt-reversal",
		Lines: []IntentLine{
			{DirectAccountID: cash.ID, Side: Debit, Amount: Money{Amount: mustDecimal("50.00"), Currency: "USD"}},
			{Role: "revenue", Side: Credit, Amount: Money{Amount: mustDecimal("50.00"), Currency: "USD"}},
		},
	}

	var result JournalWriteResult
	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		var err error
		result, err = writer.Write(tx, intent, policy, ReferenceSnapshot{}, fixedNow, "system")
		return err
	}))
	found := false
	for _, l := range result.Lines {
		if l.AccountID == cash.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestJournalWriterCreatesDeclaredLinks(t *testing.T) {
	storage := newTestStorage(t)
	pack := basicPack()
	seedBasicAccounts(t, storage)
	writer := newTestJournalWriter(t, storage, pack)
	policy := Policy{Name: "sale-recognized", Version: "v1"}

	intent := balancedIntent()
	intent.CreatesLinks = []ResolvedLinkIntent{
		{LinkType: LinkFulfilledBy, ParentArtifactRef: "order-1", ChildArtifactRef: "evt-1"},
	}

	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		_, err := writer.Write(tx, intent, policy, ReferenceSnapshot{}, fixedNow, "system")
		return err
	}))

	authority := NewPolicyAuthority(pack, FixedClock{At: fixedNow})
	graph := NewLinkGraph(authority)
	var links []EconomicLink
	require.NoError(t, storage.View(func(tx *bbolt.Tx) error {
		var err error
		links, err = graph.Range(tx, LinkFulfilledBy, "order-1")
		return err
	}))
	require.Len(t, links, 1)
	assert.Equal(t, "evt-1", links[0].ChildArtifactRef)
}
