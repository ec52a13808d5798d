package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Storage buckets. bbolt serializes all writer transactions process-wide,
// which is what gives the sequence allocator, the link-type cycle lock, and
// the period-close lock their "row lock" semantics for free — there is
// never more than one in-flight Update transaction to contend over a key.
var (
	bucketEvents            = []byte("events")
	bucketAccounts           = []byte("accounts")
	bucketPeriods            = []byte("periods")
	bucketJournalEntries     = []byte("journal_entries")
	bucketJournalEntriesByID = []byte("journal_entries_by_idempotency_key")
	bucketJournalLines       = []byte("journal_lines")
	bucketAuditEvents        = []byte("audit_events")
	bucketSequenceCounters   = []byte("sequence_counters")
	bucketEconomicLinks      = []byte("economic_links")
	bucketOutcomes           = []byte("interpretation_outcomes")
	bucketSubledgerContracts = []byte("subledger_control_contracts")
)

var allBuckets = [][]byte{
	bucketEvents, bucketAccounts, bucketPeriods,
	bucketJournalEntries, bucketJournalEntriesByID, bucketJournalLines,
	bucketAuditEvents, bucketSequenceCounters, bucketEconomicLinks,
	bucketOutcomes, bucketSubledgerContracts,
}

// Storage provides persistent storage for the kernel. It is the storage-
// level layer of the three-layer immutability defense (spec §4.11): bbolt
// has no SQL trigger mechanism to host a standalone guard in, so the
// guard lives directly in this package's write paths — any attempt to
// mutate a key already flagged posted/closed/appended is refused here,
// which is the embedded-KV analogue of a storage trigger rejecting a raw
// UPDATE/DELETE. See DESIGN.md for the reasoning behind this mapping.
type Storage struct {
	db *bbolt.DB
}

// NewStorage opens (creating if necessary) the bbolt database at path and
// initializes all buckets.
func NewStorage(path string, lockTimeout time.Duration) (*Storage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, Wrap(KindTransactionFailure, "failed to open storage", err)
	}
	s := &Storage{db: db}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, Wrap(KindTransactionFailure, "failed to initialize buckets", err)
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Storage) Close() error { return s.db.Close() }

// Update runs fn inside a single writable bbolt transaction — the
// coordinator's transaction boundary (spec §4.17: the coordinator "owns
// the transaction boundary for the posting").
func (s *Storage) Update(fn func(tx *bbolt.Tx) error) error {
	if err := s.db.Update(fn); err != nil {
		if ke, ok := err.(*KernelError); ok {
			return ke
		}
		return Wrap(KindTransactionFailure, "transaction failed", err)
	}
	return nil
}

// View runs fn inside a read-only bbolt transaction.
func (s *Storage) View(fn func(tx *bbolt.Tx) error) error {
	if err := s.db.View(fn); err != nil {
		if ke, ok := err.(*KernelError); ok {
			return ke
		}
		return Wrap(KindTransactionFailure, "read transaction failed", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Generic JSON get/put helpers shared by every component.
// ---------------------------------------------------------------------

func putJSON(tx *bbolt.Tx, bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return Wrap(KindMalformedPayload, "failed to marshal value", err)
	}
	return tx.Bucket(bucket).Put(key, data)
}

func getJSON(tx *bbolt.Tx, bucket, key []byte, out interface{}) (bool, error) {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, Wrap(KindMalformedPayload, "failed to unmarshal value", err)
	}
	return true, nil
}

// unmarshalJSONBytes decodes a raw stored value without a bucket/key
// round-trip, for callers (like forEach scans) that already hold the
// bytes from a cursor.
func unmarshalJSONBytes(data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return Wrap(KindMalformedPayload, "failed to unmarshal value", err)
	}
	return nil
}

func forEach(tx *bbolt.Tx, bucket []byte, fn func(key, value []byte) error) error {
	c := tx.Bucket(bucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// "Storage-level trigger" guard: protected-entity write refusal.
// ---------------------------------------------------------------------

// putProtectedOnce writes key into bucket only if the key does not already
// exist, or exists but the existing stored value does not have its guard
// flag set. It is used for the protected entity classes of spec §4.11
// that the kernel writes (posted entries/lines, audit events, closed
// periods, economic links); accounts have no write path here and are not
// guarded by it. isGuarded inspects the existing bytes
// (if any) to decide whether overwrite is already forbidden.
func putProtectedOnce(tx *bbolt.Tx, bucket, key []byte, isGuarded func(existing []byte) bool, value interface{}) error {
	b := tx.Bucket(bucket)
	existing := b.Get(key)
	if existing != nil && isGuarded(existing) {
		return NewKernelError(KindImmutabilityViolation, fmt.Sprintf("refusing to overwrite protected key %q in bucket %q", key, bucket)).
			WithContext(map[string]interface{}{"bucket": string(bucket), "key": string(key)})
	}
	return putJSON(tx, bucket, key, value)
}

// refuseDelete unconditionally rejects deletion of protected entities.
// There is no application code path anywhere in the kernel that calls
// bucket.Delete on a protected key, so no call site reaches this either.
func refuseDelete(bucket []byte, key []byte) error {
	return NewKernelError(KindImmutabilityViolation, fmt.Sprintf("deletion of protected key %q in bucket %q is forbidden", key, bucket))
}

// ---------------------------------------------------------------------
// Sequence keys: big-endian uint64 so bbolt's byte-order cursor scan is
// also numeric scan order, used by the audit chain and trace assembler
// to walk contiguous ranges.
// ---------------------------------------------------------------------

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
