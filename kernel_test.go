package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

type testKernel struct {
	storage     *Storage
	authority   *PolicyAuthority
	coordinator *InterpretationCoordinator
	eventStore  *EventStore
	periodAuth  *PeriodAuthority
}

func newTestKernel(t *testing.T, src PolicyPackSource) *testKernel {
	t.Helper()
	storage := newTestStorage(t)
	clock := FixedClock{At: fixedNow}

	pack, err := CompilePolicyPack(src)
	require.NoError(t, err)
	authority := NewPolicyAuthority(pack, clock)

	periodAuthority := NewPeriodAuthority(storage, clock)
	require.NoError(t, periodAuthority.CreatePeriod(FiscalPeriod{
		PeriodCode: "2026-03",
		StartDate:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}))

	roleResolver := NewRoleResolver(authority, storage)
	linkGraph := NewLinkGraph(authority)
	journalWriter := NewJournalWriter(roleResolver, periodAuthority, linkGraph, clock)
	meaningBuilder := NewMeaningBuilder(authority, nil)
	engineDispatcher := NewEngineDispatcher(authority)
	intentBuilder := NewIntentBuilder()
	outcomeRecorder := NewOutcomeRecorder(clock)
	eventStore := NewEventStore(storage, clock)

	coordinator := NewInterpretationCoordinator(
		storage, authority, meaningBuilder, engineDispatcher, intentBuilder,
		journalWriter, outcomeRecorder, nil, clock,
	)

	return &testKernel{storage: storage, authority: authority, coordinator: coordinator, eventStore: eventStore, periodAuth: periodAuthority}
}

func salePackSource() PolicyPackSource {
	effFrom := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return PolicyPackSource{
		COAVersion: "coa-1",
		RoleBindings: []RoleBinding{
			{Role: "cash", Ledger: "GL", AccountCode: "1000", EffectiveFrom: effFrom},
			{Role: "revenue", Ledger: "GL", AccountCode: "4000", EffectiveFrom: effFrom},
		},
		LinkTypeSpecs: []LinkTypeSpec{
			{Type: LinkReversedBy},
			{Type: LinkDerivedFrom},
		},
		Policies: []RawPolicy{
			{
				Name:          "sale-recognized",
				Version:       "v1",
				EventType:     "sale.recognized",
				Priority:      10,
				EffectiveFrom: effFrom,
				Ledger:        "GL",
				LedgerEffects: []LedgerEffect{
					{Role: "cash", Side: Debit, AmountFromContext: "payload.amount", FixedCurrency: "USD"},
					{Role: "revenue", Side: Credit, AmountFromContext: "payload.amount", FixedCurrency: "USD"},
				},
			},
		},
	}
}

func saleEvent(amount string) Event {
	return Event{
		EventID:       uuid.NewString(),
		EventType:     "sale.recognized",
		EffectiveDate: fixedNow,
		ActorID:       "system",
		Producer:      "pos",
		Payload: map[string]interface{}{
			"amount": amount,
		},
	}
}

func TestKernelEndToEndPostsBalancedEntry(t *testing.T) {
	k := newTestKernel(t, salePackSource())
	seedAccount(t, k.storage, newTestAccount("1000", Asset))
	seedAccount(t, k.storage, newTestAccount("4000", Revenue))

	event := saleEvent("100.00")
	_, err := k.eventStore.Ingest(event)
	require.NoError(t, err)

	outcome, err := k.coordinator.InterpretAndPost(event)
	require.NoError(t, err)
	assert.Equal(t, OutcomePosted, outcome.Status)
	require.Len(t, outcome.JournalEntryIDs, 1)

	var lines []JournalLine
	require.NoError(t, k.storage.View(func(tx *bbolt.Tx) error {
		var err error
		lines, err = readLinesForEntry(tx, outcome.JournalEntryIDs[0])
		return err
	}))
	require.Len(t, lines, 2)

	chain := NewAuditChain(k.storage)
	brk, err := chain.ValidateChain(1, peekHighestAuditSeq(t, k.storage))
	require.NoError(t, err)
	assert.Nil(t, brk)
}

func peekHighestAuditSeq(t *testing.T, storage *Storage) uint64 {
	t.Helper()
	var seq uint64
	require.NoError(t, storage.View(func(tx *bbolt.Tx) error {
		seq = peekSequence(tx, seqAuditEvents)
		return nil
	}))
	return seq
}

func TestKernelIngestIsIdempotentOnRetriedDelivery(t *testing.T) {
	k := newTestKernel(t, salePackSource())
	event := saleEvent("50.00")

	first, err := k.eventStore.Ingest(event)
	require.NoError(t, err)
	assert.False(t, first.Idempotent)

	second, err := k.eventStore.Ingest(event)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
}

func TestKernelIngestRejectsPayloadMismatchOnReplay(t *testing.T) {
	k := newTestKernel(t, salePackSource())
	event := saleEvent("50.00")

	_, err := k.eventStore.Ingest(event)
	require.NoError(t, err)

	mutated := event
	mutated.Payload = map[string]interface{}{"amount": "99.00"}
	_, err = k.eventStore.Ingest(mutated)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindProtocolViolation))
}

func TestKernelMissingBoundAccountBlocksAndIsRetryable(t *testing.T) {
	k := newTestKernel(t, salePackSource())
	seedAccount(t, k.storage, newTestAccount("4000", Revenue))
	// cash account (code 1000) intentionally not seeded, so role resolution fails.

	event := saleEvent("75.00")
	_, err := k.eventStore.Ingest(event)
	require.NoError(t, err)

	outcome, err := k.coordinator.InterpretAndPost(event)
	require.Error(t, err)
	assert.Equal(t, OutcomeBlocked, outcome.Status)

	seedAccount(t, k.storage, newTestAccount("1000", Asset))
	retried, err := k.coordinator.Retry(k.eventStore, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePosted, retried.Status)
}

func TestKernelGuardRejectionIsTerminal(t *testing.T) {
	src := salePackSource()
	src.Policies[0].Guards = []GuardSpec{
		{Name: "positive-amount", Expr: GuardExpr{Source: "payload.amount > 0"}, OnFailKind: KindGuardRejected},
	}
	k := newTestKernel(t, src)
	seedAccount(t, k.storage, newTestAccount("1000", Asset))
	seedAccount(t, k.storage, newTestAccount("4000", Revenue))

	event := saleEvent("-5")
	_, err := k.eventStore.Ingest(event)
	require.NoError(t, err)

	outcome, err := k.coordinator.InterpretAndPost(event)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome.Status)
	assert.True(t, IsTerminal(outcome.Status))

	err = k.storage.Update(func(tx *bbolt.Tx) error {
		_, err := NewOutcomeRecorder(FixedClock{At: fixedNow}).Transition(tx, event.EventID, OutcomeFailed, nil)
		return err
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindImmutabilityViolation))
}

func TestKernelReverseRoundTrip(t *testing.T) {
	k := newTestKernel(t, salePackSource())
	seedAccount(t, k.storage, newTestAccount("1000", Asset))
	seedAccount(t, k.storage, newTestAccount("4000", Revenue))

	event := saleEvent("200.00")
	_, err := k.eventStore.Ingest(event)
	require.NoError(t, err)
	outcome, err := k.coordinator.InterpretAndPost(event)
	require.NoError(t, err)
	entryID := outcome.JournalEntryIDs[0]

	result, err := k.coordinator.Reverse(entryID, "controller", "duplicate sale")
	require.NoError(t, err)
	assert.Len(t, result.Lines, 2)

	var original JournalEntry
	require.NoError(t, k.storage.View(func(tx *bbolt.Tx) error {
		_, err := getJSON(tx, bucketJournalEntries, []byte(entryID), &original)
		return err
	}))
	assert.Equal(t, StatusReversed, original.Status)
	assert.Equal(t, result.Entry.EntryID, original.ReversedByEntryID)

	_, err = k.coordinator.Reverse(entryID, "controller", "duplicate reversal attempt")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindImmutabilityViolation))
}

func TestKernelClosedPeriodBlocksNewPostings(t *testing.T) {
	k := newTestKernel(t, salePackSource())
	seedAccount(t, k.storage, newTestAccount("1000", Asset))
	seedAccount(t, k.storage, newTestAccount("4000", Revenue))

	_, err := k.coordinator.ClosePeriod("2026-03", false)
	require.NoError(t, err)

	event := saleEvent("10.00")
	_, err = k.eventStore.Ingest(event)
	require.NoError(t, err)

	outcome, err := k.coordinator.InterpretAndPost(event)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)
}

func TestKernelAbandonRequiresFailedStatus(t *testing.T) {
	k := newTestKernel(t, salePackSource())
	event := saleEvent("10.00")
	require.NoError(t, k.storage.Update(func(tx *bbolt.Tx) error {
		_, err := k.coordinator.outcomeRecorder.Transition(tx, event.EventID, OutcomePending, nil)
		return err
	}))

	_, err := k.coordinator.Abandon(event.EventID, "controller", "not a real failure")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindImmutabilityViolation))
}
