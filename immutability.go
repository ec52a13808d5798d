package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func withAllowReversalLinkUpdate(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, allowReversalLinkUpdate{}, true)
}

// This file is the second of the three-layer immutability defense named in
// spec §4.13: domain-level guards live in the journal writer and outcome
// recorder (refusing to construct an update path at all), storage-level
// guards live in storage.go's putProtectedOnce/refuseDelete, and this
// file is the ORM-level interceptor layer — GORM BeforeUpdate/BeforeDelete
// hooks on a secondary, queryable mirror of posted entries, the same
// defense-in-depth shape as an application that runs its writes through
// an ORM with row-level guard hooks in addition to database triggers.

// ReportJournalEntry is the GORM-mapped mirror of a posted JournalEntry,
// existing purely as a queryable report surface; the bbolt store named in
// storage.go remains the system of record. Mirroring happens once, at
// POSTED time, and never again — there is no application code path that
// updates a row in this table.
type ReportJournalEntry struct {
	EntryID            string `gorm:"primaryKey"`
	SourceEventID      string `gorm:"index"`
	Ledger             string `gorm:"index"`
	IdempotencyKey     string `gorm:"uniqueIndex"`
	EffectiveDate      time.Time
	PostedAt           time.Time
	ActorID            string
	Status             string `gorm:"index"`
	Seq                uint64 `gorm:"index"`
	PostingRuleVersion string
	ReversedByEntryID  string
}

// BeforeUpdate refuses any update to a row whose Status is already POSTED
// or REVERSED — which is every row, since rows are only ever mirrored
// after reaching one of those statuses. The one legitimate update this
// table ever needs (recording ReversedByEntryID when a reversal posts) is
// handled by MarkReversed below: its column-scoped Update still passes
// through this hook, which lets it proceed only because MarkReversed sets
// the allowReversalLinkUpdate context value.
func (e *ReportJournalEntry) BeforeUpdate(tx *gorm.DB) error {
	if tx.Statement.Context.Value(allowReversalLinkUpdate{}) != nil {
		return nil
	}
	return NewKernelError(KindImmutabilityViolation,
		fmt.Sprintf("refusing ORM-level update to posted journal entry %q", e.EntryID))
}

// BeforeDelete unconditionally refuses deletion.
func (e *ReportJournalEntry) BeforeDelete(tx *gorm.DB) error {
	return NewKernelError(KindImmutabilityViolation,
		fmt.Sprintf("refusing ORM-level delete of posted journal entry %q", e.EntryID))
}

// ReportJournalLine is the GORM-mapped mirror of a posted JournalLine.
type ReportJournalLine struct {
	LineID     string `gorm:"primaryKey"`
	EntryID    string `gorm:"index"`
	LineSeq    int
	AccountID  string `gorm:"index"`
	Side       string
	Amount     string // decimal.Decimal stored as its canonical string form
	Currency   string
	IsRounding bool
	LineMemo   string
}

func (l *ReportJournalLine) BeforeUpdate(tx *gorm.DB) error {
	return NewKernelError(KindImmutabilityViolation,
		fmt.Sprintf("refusing ORM-level update to posted journal line %q", l.LineID))
}

func (l *ReportJournalLine) BeforeDelete(tx *gorm.DB) error {
	return NewKernelError(KindImmutabilityViolation,
		fmt.Sprintf("refusing ORM-level delete of posted journal line %q", l.LineID))
}

// allowReversalLinkUpdate is the context key MarkReversed sets to get past
// BeforeUpdate for the single column it is allowed to touch.
type allowReversalLinkUpdate struct{}

// ReportStore is the secondary, read-oriented mirror database. It is
// populated by the interpretation coordinator immediately after a posting
// commits to the primary bbolt store, for any reporting surface that wants
// SQL query ergonomics over posted entries. The trace assembler reads only
// the bbolt store.
type ReportStore struct {
	db *gorm.DB
}

// NewReportStore opens (creating if necessary) the sqlite database at
// path and migrates the report schema.
func NewReportStore(path string) (*ReportStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, Wrap(KindTransactionFailure, "failed to open report store", err)
	}
	if err := db.AutoMigrate(&ReportJournalEntry{}, &ReportJournalLine{}); err != nil {
		return nil, Wrap(KindTransactionFailure, "failed to migrate report store", err)
	}
	return &ReportStore{db: db}, nil
}

// Mirror inserts entry and its lines into the report store. It is called
// exactly once per posted entry, never again for that entry's lifetime
// except by MarkReversed.
func (rs *ReportStore) Mirror(entry JournalEntry, lines []JournalLine) error {
	return rs.db.Transaction(func(tx *gorm.DB) error {
		reportEntry := ReportJournalEntry{
			EntryID:            entry.EntryID,
			SourceEventID:      entry.SourceEventID,
			Ledger:             entry.Ledger,
			IdempotencyKey:     entry.IdempotencyKey,
			EffectiveDate:      entry.EffectiveDate,
			PostedAt:           entry.PostedAt,
			ActorID:            entry.ActorID,
			Status:             string(entry.Status),
			Seq:                entry.Seq,
			PostingRuleVersion: entry.PostingRuleVersion,
			ReversedByEntryID:  entry.ReversedByEntryID,
		}
		if err := tx.Create(&reportEntry).Error; err != nil {
			return err
		}
		for _, line := range lines {
			reportLine := ReportJournalLine{
				LineID:     line.LineID,
				EntryID:    line.EntryID,
				LineSeq:    line.LineSeq,
				AccountID:  line.AccountID,
				Side:       string(line.Side),
				Amount:     line.Amount.Amount.String(),
				Currency:   string(line.Amount.Currency),
				IsRounding: line.IsRounding,
				LineMemo:   line.LineMemo,
			}
			if err := tx.Create(&reportLine).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkReversed records, on the mirror only, which entry reversed this one.
// It is the single sanctioned exception to "never update a mirrored row",
// scoped to one column via a context flag the BeforeUpdate hook checks.
func (rs *ReportStore) MarkReversed(entryID, reversedByEntryID string) error {
	ctx := withAllowReversalLinkUpdate(context.Background())
	return rs.db.WithContext(ctx).
		Model(&ReportJournalEntry{}).
		Where("entry_id = ?", entryID).
		Update("reversed_by_entry_id", reversedByEntryID).Error
}
