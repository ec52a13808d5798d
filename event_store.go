package ledger

import (
	"go.etcd.io/bbolt"
)

// IngestResult reports the outcome of an Ingest call.
type IngestResult struct {
	Accepted bool
	Event    Event
	// Idempotent is true when this call re-ingested an event_id already
	// known with a matching payload_hash — accepted, but a no-op.
	Idempotent bool
}

// EventStore is the append-only ingestion surface: the permanent source of
// truth for every business fact the kernel interprets.
type EventStore struct {
	storage *Storage
	clock   Clock
}

// NewEventStore constructs an EventStore bound to storage and clock.
func NewEventStore(storage *Storage, clock Clock) *EventStore {
	return &EventStore{storage: storage, clock: clock}
}

// Ingest persists envelope as the permanent, append-only record of a
// business fact, computing and verifying its canonical payload hash.
//
// Protocol (spec §4.1): re-ingesting a known event_id whose payload_hash
// matches is an idempotent accept with no side effects; a mismatching hash
// is a PROTOCOL_VIOLATION — the original event is never altered.
func (es *EventStore) Ingest(envelope Event) (IngestResult, error) {
	if envelope.EventID == "" {
		return IngestResult{}, NewKernelError(KindMalformedPayload, "event_id is required")
	}
	if envelope.EventType == "" {
		return IngestResult{}, NewKernelError(KindMalformedPayload, "event_type is required")
	}
	if envelope.Producer == "" {
		return IngestResult{}, NewKernelError(KindMalformedPayload, "producer is required")
	}

	hash, err := CanonicalHash(envelope.Payload)
	if err != nil {
		return IngestResult{}, Wrap(KindMalformedPayload, "failed to canonicalize payload", err)
	}
	envelope.PayloadHash = hash

	var result IngestResult
	var mismatch *KernelError
	err = es.storage.Update(func(tx *bbolt.Tx) error {
		var existing Event
		found, err := getJSON(tx, bucketEvents, []byte(envelope.EventID), &existing)
		if err != nil {
			return err
		}
		if found {
			if existing.PayloadHash == envelope.PayloadHash {
				result = IngestResult{Accepted: true, Event: existing, Idempotent: true}
				return nil
			}
			if _, auditErr := appendAudit(tx, es.clock, "Event", envelope.EventID, "REINGEST_REJECTED", envelope.ActorID, hash); auditErr != nil {
				return auditErr
			}
			mismatch = NewKernelError(KindProtocolViolation,
				"event_id re-ingested with a different payload_hash").
				WithContext(map[string]interface{}{
					"event_id":           envelope.EventID,
					"existing_hash":      existing.PayloadHash,
					"incoming_hash":      envelope.PayloadHash,
				})
			return nil
		}

		if envelope.OccurredAt.IsZero() {
			envelope.OccurredAt = es.clock.Now()
		}
		if err := putJSON(tx, bucketEvents, []byte(envelope.EventID), envelope); err != nil {
			return err
		}
		if _, err := appendAudit(tx, es.clock, "Event", envelope.EventID, "INGESTED", envelope.ActorID, hash); err != nil {
			return err
		}
		result = IngestResult{Accepted: true, Event: envelope}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	if mismatch != nil {
		return IngestResult{}, mismatch
	}
	return result, nil
}

// Get retrieves a persisted event by ID.
func (es *EventStore) Get(eventID string) (Event, bool, error) {
	var ev Event
	var ok bool
	err := es.storage.View(func(tx *bbolt.Tx) error {
		var e error
		ok, e = getJSON(tx, bucketEvents, []byte(eventID), &ev)
		return e
	})
	return ev, ok, err
}
