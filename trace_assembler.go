package ledger

import (
	"go.etcd.io/bbolt"
)

// TraceBundle reconstructs the full lifecycle of one source event for
// audit and debugging: the triggering event, its interpretation outcome,
// every journal entry and line it produced, the audit trail touching any
// of those artifacts, and the economic links it participated in. Adapted
// from the teacher's money-trail reconstruction, which walked a chain of
// entries outward from a starting account — here the walk starts from a
// source event instead of an account, since every posting traces back to
// exactly one (spec §4.19).
type TraceBundle struct {
	SourceEventID string
	Event         *Event
	Outcome       *InterpretationOutcome
	Entries       []JournalEntry
	Lines         []JournalLine
	AuditTrail    []AuditEvent
	Links         []EconomicLink

	// MissingFacts names every fact the assembler could not find, so a
	// caller can tell "there is genuinely nothing here" apart from
	// "something is inconsistent" (spec §4.19, "a trace with gaps must say
	// so explicitly rather than silently omitting them").
	MissingFacts []string
}

// TraceAssembler builds TraceBundles from storage.
type TraceAssembler struct {
	storage    *Storage
	auditChain *AuditChain
}

// NewTraceAssembler constructs a TraceAssembler bound to storage.
func NewTraceAssembler(storage *Storage) *TraceAssembler {
	return &TraceAssembler{storage: storage, auditChain: NewAuditChain(storage)}
}

// Assemble reconstructs the full trace for sourceEventID.
func (a *TraceAssembler) Assemble(sourceEventID string) (*TraceBundle, error) {
	bundle := &TraceBundle{SourceEventID: sourceEventID}

	err := a.storage.View(func(tx *bbolt.Tx) error {
		var event Event
		found, err := getJSON(tx, bucketEvents, []byte(sourceEventID), &event)
		if err != nil {
			return err
		}
		if found {
			bundle.Event = &event
		} else {
			bundle.MissingFacts = append(bundle.MissingFacts, "source event not found")
		}

		var outcome InterpretationOutcome
		found, err = getJSON(tx, bucketOutcomes, []byte(sourceEventID), &outcome)
		if err != nil {
			return err
		}
		if found {
			bundle.Outcome = &outcome
		} else {
			bundle.MissingFacts = append(bundle.MissingFacts, "no interpretation outcome recorded")
		}

		entryIDs := map[string]bool{}
		if err := forEach(tx, bucketJournalEntries, func(_, value []byte) error {
			var entry JournalEntry
			if err := unmarshalJSONBytes(value, &entry); err != nil {
				return err
			}
			if entry.SourceEventID == sourceEventID {
				bundle.Entries = append(bundle.Entries, entry)
				entryIDs[entry.EntryID] = true
			}
			return nil
		}); err != nil {
			return err
		}
		if len(bundle.Entries) == 0 {
			bundle.MissingFacts = append(bundle.MissingFacts, "no journal entries produced")
		}

		if err := forEach(tx, bucketJournalLines, func(_, value []byte) error {
			var line JournalLine
			if err := unmarshalJSONBytes(value, &line); err != nil {
				return err
			}
			if entryIDs[line.EntryID] {
				bundle.Lines = append(bundle.Lines, line)
			}
			return nil
		}); err != nil {
			return err
		}

		if err := forEach(tx, bucketAuditEvents, func(_, value []byte) error {
			var ev AuditEvent
			if err := unmarshalJSONBytes(value, &ev); err != nil {
				return err
			}
			if ev.EntityID == sourceEventID || entryIDs[ev.EntityID] {
				bundle.AuditTrail = append(bundle.AuditTrail, ev)
			}
			return nil
		}); err != nil {
			return err
		}

		return forEach(tx, bucketEconomicLinks, func(_, value []byte) error {
			var link EconomicLink
			if err := unmarshalJSONBytes(value, &link); err != nil {
				return err
			}
			if link.CreatingEventID == sourceEventID || entryIDs[link.ParentArtifactRef] || entryIDs[link.ChildArtifactRef] {
				bundle.Links = append(bundle.Links, link)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}
