package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func TestTraceAssemblerReportsMissingFactsForUnknownEvent(t *testing.T) {
	storage := newTestStorage(t)
	assembler := NewTraceAssembler(storage)

	bundle, err := assembler.Assemble("no-such-event")
	require.NoError(t, err)
	assert.Nil(t, bundle.Event)
	assert.Contains(t, bundle.MissingFacts, "source event not found")
	assert.Contains(t, bundle.MissingFacts, "no interpretation outcome recorded")
	assert.Contains(t, bundle.MissingFacts, "no journal entries produced")
}

func TestTraceAssemblerAssemblesFullLifecycle(t *testing.T) {
	k := newTestKernel(t, salePackSource())
	seedAccount(t, k.storage, newTestAccount("1000", Asset))
	seedAccount(t, k.storage, newTestAccount("4000", Revenue))

	event := saleEvent("42.00")
	_, err := k.eventStore.Ingest(event)
	require.NoError(t, err)
	outcome, err := k.coordinator.InterpretAndPost(event)
	require.NoError(t, err)

	assembler := NewTraceAssembler(k.storage)
	bundle, err := assembler.Assemble(event.EventID)
	require.NoError(t, err)

	require.NotNil(t, bundle.Event)
	assert.Equal(t, event.EventID, bundle.Event.EventID)
	require.NotNil(t, bundle.Outcome)
	assert.Equal(t, OutcomePosted, bundle.Outcome.Status)
	require.Len(t, bundle.Entries, 1)
	assert.Equal(t, outcome.JournalEntryIDs[0], bundle.Entries[0].EntryID)
	assert.Len(t, bundle.Lines, 2)
	assert.NotEmpty(t, bundle.AuditTrail)
	assert.Empty(t, bundle.MissingFacts)
}

func TestTraceAssemblerIncludesLinksTouchingProducedEntries(t *testing.T) {
	k := newTestKernel(t, salePackSource())
	seedAccount(t, k.storage, newTestAccount("1000", Asset))
	seedAccount(t, k.storage, newTestAccount("4000", Revenue))

	event := saleEvent("15.00")
	_, err := k.eventStore.Ingest(event)
	require.NoError(t, err)
	_, err = k.coordinator.InterpretAndPost(event)
	require.NoError(t, err)

	graph := NewLinkGraph(k.authority)
	require.NoError(t, k.storage.Update(func(tx *bbolt.Tx) error {
		return graph.CreateLink(tx, FixedClock{At: fixedNow}, EconomicLink{
			LinkType: LinkDerivedFrom, ParentArtifactRef: "external-doc", ChildArtifactRef: event.EventID, CreatingEventID: event.EventID,
		})
	}))

	assembler := NewTraceAssembler(k.storage)
	bundle, err := assembler.Assemble(event.EventID)
	require.NoError(t, err)
	require.Len(t, bundle.Links, 1)
	assert.Equal(t, "external-doc", bundle.Links[0].ParentArtifactRef)
}
