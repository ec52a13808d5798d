package ledger

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// appendAudit allocates the next audit sequence, fetches the latest
// record's hash as PrevHash, computes Hash = H(PayloadHash || PrevHash ||
// Seq || Action), and inserts the row. Audit events are unconditionally
// append-only: there is no code path in this package that calls Delete on
// bucketAuditEvents.
func appendAudit(tx *bbolt.Tx, clock Clock, entityType, entityID, action, actorID, payloadHash string) (AuditEvent, error) {
	seq, err := nextSequence(tx, seqAuditEvents)
	if err != nil {
		return AuditEvent{}, err
	}

	prevHash := ""
	if seq > 1 {
		prev, ok, err := getAuditEvent(tx, seq-1)
		if err != nil {
			return AuditEvent{}, err
		}
		if ok {
			prevHash = prev.Hash
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s", payloadHash, prevHash, seq, action)
	hash, err := CanonicalHash(hashInput)
	if err != nil {
		return AuditEvent{}, err
	}

	ev := AuditEvent{
		Seq:         seq,
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		ActorID:     actorID,
		OccurredAt:  clock.Now(),
		PayloadHash: payloadHash,
		PrevHash:    prevHash,
		Hash:        hash,
	}

	// Audit events are unconditionally protected: once written, this key
	// is never targeted by any Put again.
	if err := putProtectedOnce(tx, bucketAuditEvents, seqKey(seq), func([]byte) bool { return true }, ev); err != nil {
		return AuditEvent{}, err
	}
	return ev, nil
}

func getAuditEvent(tx *bbolt.Tx, seq uint64) (AuditEvent, bool, error) {
	var ev AuditEvent
	ok, err := getJSON(tx, bucketAuditEvents, seqKey(seq), &ev)
	return ev, ok, err
}

// AuditChain is the read-side handle for validating chain integrity,
// exposed to the trace assembler and to operators.
type AuditChain struct {
	storage *Storage
}

// NewAuditChain constructs an AuditChain bound to storage.
func NewAuditChain(storage *Storage) *AuditChain {
	return &AuditChain{storage: storage}
}

// Range returns the audit events with seq in [from, to], inclusive.
func (c *AuditChain) Range(from, to uint64) ([]AuditEvent, error) {
	var events []AuditEvent
	err := c.storage.View(func(tx *bbolt.Tx) error {
		for seq := from; seq <= to; seq++ {
			ev, ok, err := getAuditEvent(tx, seq)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

// ChainBreak describes the first point at which the hash chain fails to
// reproduce.
type ChainBreak struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

// ValidateChain walks audit events with seq in [from, to] and verifies
// that each row's Hash reproduces from its predecessor's Hash, and that
// PrevHash matches the predecessor's Hash exactly. Any gap, reordering, or
// field change breaks the chain (spec §8, invariant 5).
func (c *AuditChain) ValidateChain(from, to uint64) (*ChainBreak, error) {
	events, err := c.Range(from, to)
	if err != nil {
		return nil, err
	}

	var prevHash string
	var prevSeq uint64
	for i, ev := range events {
		if i == 0 && from > 1 {
			// Establish prevHash from the record immediately preceding
			// the requested range, if present.
			earlier, ok, err := c.storage.lookupAudit(from - 1)
			if err != nil {
				return nil, err
			}
			if ok {
				prevHash = earlier.Hash
			}
		}
		if ev.Seq != prevSeq+1 && i > 0 {
			return &ChainBreak{Seq: ev.Seq, Reason: "non-contiguous sequence"}, nil
		}
		if ev.PrevHash != prevHash && (i > 0 || from > 1) {
			return &ChainBreak{Seq: ev.Seq, Reason: "prev_hash does not match predecessor's hash"}, nil
		}
		recomputed, err := CanonicalHash(fmt.Sprintf("%s|%s|%d|%s", ev.PayloadHash, ev.PrevHash, ev.Seq, ev.Action))
		if err != nil {
			return nil, err
		}
		if recomputed != ev.Hash {
			return &ChainBreak{Seq: ev.Seq, Reason: "hash does not reproduce from recorded fields"}, nil
		}
		prevHash = ev.Hash
		prevSeq = ev.Seq
	}
	return nil, nil
}

func (s *Storage) lookupAudit(seq uint64) (AuditEvent, bool, error) {
	var ev AuditEvent
	var ok bool
	err := s.View(func(tx *bbolt.Tx) error {
		var e error
		ev, ok, e = getAuditEvent(tx, seq)
		return e
	})
	return ev, ok, err
}
