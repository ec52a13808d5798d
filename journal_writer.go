package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

// JournalWriteResult reports the outcome of a JournalWriter.Write call.
type JournalWriteResult struct {
	Entry      JournalEntry
	Lines      []JournalLine
	Idempotent bool
}

// JournalWriter is the central posting component (spec §4.12): given a
// fully-resolved AccountingIntent, it is the single place that allocates
// a posting sequence number, resolves roles to accounts, checks the
// fiscal period, enforces the balance and single-rounding-line
// invariants, inserts entry and lines, creates any declared economic
// links, and appends the POSTED audit record — entirely inside the
// caller's transaction, so a posting is all-or-nothing.
type JournalWriter struct {
	roleResolver     *RoleResolver
	periodAuthority  *PeriodAuthority
	linkGraph        *LinkGraph
	clock            Clock
	subledgerControl *SubledgerControl
}

// NewJournalWriter constructs a JournalWriter from its collaborators.
func NewJournalWriter(roleResolver *RoleResolver, periodAuthority *PeriodAuthority, linkGraph *LinkGraph, clock Clock) *JournalWriter {
	return &JournalWriter{
		roleResolver:    roleResolver,
		periodAuthority: periodAuthority,
		linkGraph:       linkGraph,
		clock:           clock,
	}
}

// SetSubledgerControl wires automatic enforce_on_post checking (spec
// §4.15) into every Write call on this writer's ledger. Left unset, no
// automatic check runs — only the explicit, operator-triggered
// Kernel.CheckSubledgers path exists.
func (w *JournalWriter) SetSubledgerControl(c *SubledgerControl) {
	w.subledgerControl = c
}

// Write posts intent under the given policy/snapshot/actor, inside tx. The
// snapshot passed in must be built from the same CompiledPolicyPack the
// coordinator used to interpret this event in this attempt — there is no
// separate "staleness" check against some previously cached snapshot,
// because the kernel never stores one to go stale against: every posting
// attempt, including every retry, re-resolves the pack and takes a fresh
// snapshot from it before calling Write (spec §9 open question: an
// adjustment — and every other posting — always uses the current pack and
// a freshly taken snapshot, never a cached original).
func (w *JournalWriter) Write(tx *bbolt.Tx, intent *AccountingIntent, policy Policy, snapshot ReferenceSnapshot, effectiveDate time.Time, actorID string) (JournalWriteResult, error) {
	idempotencyKey := fmt.Sprintf("%s|%s", intent.SourceEventID, policy.Name)

	var existingID string
	found, err := getJSON(tx, bucketJournalEntriesByID, []byte(idempotencyKey), &existingID)
	if err != nil {
		return JournalWriteResult{}, err
	}
	if found {
		var existing JournalEntry
		if ok, err := getJSON(tx, bucketJournalEntries, []byte(existingID), &existing); err != nil {
			return JournalWriteResult{}, err
		} else if ok {
			lines, err := readLinesForEntry(tx, existing.EntryID)
			if err != nil {
				return JournalWriteResult{}, err
			}
			return JournalWriteResult{Entry: existing, Lines: lines, Idempotent: true}, nil
		}
	}

	period, err := w.periodAuthority.CheckPostable(tx, effectiveDate, policy.IsAdjustment)
	if err != nil {
		return JournalWriteResult{}, err
	}
	_ = period

	if len(intent.Lines) == 0 {
		return JournalWriteResult{}, NewKernelError(KindUnbalancedIntent, "intent declares no lines")
	}

	resolvedAccounts := make(map[string]Account, len(intent.Lines))
	currency := intent.Lines[0].Amount.Currency
	for _, line := range intent.Lines {
		if line.Amount.Currency != currency {
			return JournalWriteResult{}, NewKernelError(KindInvalidCurrency,
				fmt.Sprintf("intent mixes currencies %s and %s across lines", currency, line.Amount.Currency))
		}
		account, err := w.resolveLineAccount(tx, intent.Ledger, line, effectiveDate)
		if err != nil {
			return JournalWriteResult{}, err
		}
		resolvedAccounts[lineAccountKey(line)] = account
	}

	debitTotal, creditTotal := decimal.Zero, decimal.Zero
	for _, line := range intent.Lines {
		if line.Amount.IsNegative() {
			return JournalWriteResult{}, NewKernelError(KindUnbalancedIntent,
				fmt.Sprintf("line for role %q carries a negative amount; sign must be conveyed by side, not amount", line.Role))
		}
		switch line.Side {
		case Debit:
			debitTotal = debitTotal.Add(line.Amount.Amount)
		case Credit:
			creditTotal = creditTotal.Add(line.Amount.Amount)
		default:
			return JournalWriteResult{}, NewKernelError(KindMalformedPayload, fmt.Sprintf("line for role %q has an invalid side %q", line.Role, line.Side))
		}
	}

	diff := debitTotal.Sub(creditTotal)
	var roundingLine *IntentLine
	if !diff.IsZero() {
		tolerance := currency.Tolerance(len(intent.Lines))
		if diff.Abs().GreaterThan(tolerance) {
			return JournalWriteResult{}, NewKernelError(KindUnbalancedIntent,
				fmt.Sprintf("debits %s do not equal credits %s for ledger %q", debitTotal, creditTotal, intent.Ledger)).
				WithContext(map[string]interface{}{"debit_total": debitTotal.String(), "credit_total": creditTotal.String()})
		}
		if intent.RoundingRole == "" {
			return JournalWriteResult{}, NewKernelError(KindRoundingAccountMissing,
				"intent has a residual within tolerance but the policy declares no rounding_role")
		}
		side := Credit
		if diff.IsNegative() {
			side = Debit
		}
		roundingLine = &IntentLine{
			Role:       intent.RoundingRole,
			Side:       side,
			Amount:     Money{Amount: diff.Abs(), Currency: currency},
			IsRounding: true,
		}
		if _, ok := resolvedAccounts[lineAccountKey(*roundingLine)]; !ok {
			account, err := w.resolveLineAccount(tx, intent.Ledger, *roundingLine, effectiveDate)
			if err != nil {
				return JournalWriteResult{}, err
			}
			resolvedAccounts[lineAccountKey(*roundingLine)] = account
		}
	}

	allLines := intent.Lines
	if roundingLine != nil {
		allLines = append(append([]IntentLine{}, intent.Lines...), *roundingLine)
	}

	roundingCount := 0
	for _, l := range allLines {
		if l.IsRounding {
			roundingCount++
		}
	}
	if roundingCount > 1 {
		return JournalWriteResult{}, NewKernelError(KindMultipleRoundingLines, "intent resolves to more than one rounding line")
	}

	seq, err := nextSequence(tx, seqJournalEntries)
	if err != nil {
		return JournalWriteResult{}, err
	}

	now := w.clock.Now()
	entry := JournalEntry{
		EntryID:            uuid.NewString(),
		SourceEventID:      intent.SourceEventID,
		Ledger:             intent.Ledger,
		IdempotencyKey:     idempotencyKey,
		EffectiveDate:      effectiveDate,
		PostedAt:           now,
		ActorID:            actorID,
		Status:             StatusPosted,
		Seq:                seq,
		PostingRuleVersion: policy.Version,
		Snapshot:           snapshot,
	}

	lines := make([]JournalLine, 0, len(allLines))
	for i, l := range allLines {
		account := resolvedAccounts[lineAccountKey(l)]
		lines = append(lines, JournalLine{
			LineID:     uuid.NewString(),
			EntryID:    entry.EntryID,
			LineSeq:    i + 1,
			AccountID:  account.ID,
			Side:       l.Side,
			Amount:     l.Amount,
			Dimensions: l.Dimensions,
			IsRounding: l.IsRounding,
			LineMemo:   l.LineMemo,
		})
	}

	if err := putProtectedOnce(tx, bucketJournalEntries, []byte(entry.EntryID), func([]byte) bool { return true }, entry); err != nil {
		return JournalWriteResult{}, err
	}
	if err := putProtectedOnce(tx, bucketJournalEntriesByID, []byte(idempotencyKey), func([]byte) bool { return true }, entry.EntryID); err != nil {
		return JournalWriteResult{}, err
	}
	for _, line := range lines {
		key := []byte(fmt.Sprintf("%s|%04d", line.EntryID, line.LineSeq))
		if err := putProtectedOnce(tx, bucketJournalLines, key, func([]byte) bool { return true }, line); err != nil {
			return JournalWriteResult{}, err
		}
	}

	for _, link := range intent.CreatesLinks {
		if err := w.linkGraph.CreateLink(tx, w.clock, EconomicLink{
			LinkType:           link.LinkType,
			ParentArtifactRef:  link.ParentArtifactRef,
			ChildArtifactRef:   link.ChildArtifactRef,
			ParentArtifactType: link.ParentArtifactType,
			ChildArtifactType:  link.ChildArtifactType,
			CreatingEventID:    intent.SourceEventID,
		}); err != nil {
			return JournalWriteResult{}, err
		}
	}

	if w.subledgerControl != nil {
		if _, err := w.subledgerControl.CheckAutomaticForPost(tx, intent.Ledger, effectiveDate); err != nil {
			return JournalWriteResult{}, err
		}
	}

	payloadHash, err := CanonicalHash(entry)
	if err != nil {
		return JournalWriteResult{}, Wrap(KindMalformedPayload, "failed to hash posted entry for audit", err)
	}
	if _, err := appendAudit(tx, w.clock, "JournalEntry", entry.EntryID, "POSTED", actorID, payloadHash); err != nil {
		return JournalWriteResult{}, err
	}

	return JournalWriteResult{Entry: entry, Lines: lines}, nil
}

// lineAccountKey distinguishes role-resolved lines from direct-account
// lines in the resolvedAccounts cache, since both Role and
// DirectAccountID are plain strings drawn from different namespaces.
func lineAccountKey(l IntentLine) string {
	if l.DirectAccountID != "" {
		return "direct:" + l.DirectAccountID
	}
	return "role:" + l.Role
}

func (w *JournalWriter) resolveLineAccount(tx *bbolt.Tx, ledger string, line IntentLine, effectiveDate time.Time) (Account, error) {
	if line.DirectAccountID != "" {
		var account Account
		found, err := getJSON(tx, bucketAccounts, []byte(line.DirectAccountID), &account)
		if err != nil {
			return Account{}, err
		}
		if !found {
			return Account{}, NewKernelError(KindRoleUnresolved, fmt.Sprintf("direct account %q does not exist", line.DirectAccountID))
		}
		if !account.IsActive {
			return Account{}, NewKernelError(KindAccountInactive, fmt.Sprintf("direct account %q is inactive", line.DirectAccountID))
		}
		return account, nil
	}
	return w.roleResolver.Resolve(tx, ledger, line.Role, effectiveDate)
}

func readLinesForEntry(tx *bbolt.Tx, entryID string) ([]JournalLine, error) {
	var lines []JournalLine
	err := forEach(tx, bucketJournalLines, func(key, value []byte) error {
		var line JournalLine
		if err := unmarshalJSONBytes(value, &line); err != nil {
			return err
		}
		if line.EntryID == entryID {
			lines = append(lines, line)
		}
		return nil
	})
	return lines, err
}
