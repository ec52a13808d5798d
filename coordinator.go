package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// InterpretationCoordinator owns the single transaction boundary for
// turning one ingested Event into either a posted JournalEntry or a
// classified, recorded failure (spec §4.18). It wires every upstream
// component — meaning builder, engine dispatcher, intent builder, journal
// writer, outcome recorder — and captures a structured decision journal
// for every attempt via a dedicated zap core (decisionlog.go).
type InterpretationCoordinator struct {
	storage          *Storage
	authority        *PolicyAuthority
	meaningBuilder   *MeaningBuilder
	engineDispatcher *EngineDispatcher
	intentBuilder    *IntentBuilder
	journalWriter    *JournalWriter
	outcomeRecorder  *OutcomeRecorder
	reportStore      *ReportStore
	clock            Clock
}

// NewInterpretationCoordinator constructs a coordinator from its
// collaborators. reportStore may be nil, in which case posted entries are
// not mirrored to the secondary report surface.
func NewInterpretationCoordinator(
	storage *Storage,
	authority *PolicyAuthority,
	meaningBuilder *MeaningBuilder,
	engineDispatcher *EngineDispatcher,
	intentBuilder *IntentBuilder,
	journalWriter *JournalWriter,
	outcomeRecorder *OutcomeRecorder,
	reportStore *ReportStore,
	clock Clock,
) *InterpretationCoordinator {
	return &InterpretationCoordinator{
		storage:          storage,
		authority:        authority,
		meaningBuilder:   meaningBuilder,
		engineDispatcher: engineDispatcher,
		intentBuilder:    intentBuilder,
		journalWriter:    journalWriter,
		outcomeRecorder:  outcomeRecorder,
		reportStore:      reportStore,
		clock:            clock,
	}
}

func buildSnapshot(pack *CompiledPolicyPack) ReferenceSnapshot {
	return ReferenceSnapshot{
		COAVersion:              pack.COAVersion,
		LedgerRegistryVersion:   pack.LedgerRegistryVersion,
		DimensionSchemaVersion:  pack.DimensionSchemaVersion,
		RoundingPolicyVersion:   pack.RoundingPolicyVersion,
		CurrencyRegistryVersion: pack.CurrencyRegistryVersion,
		EngineParametersHash:    pack.Fingerprint,
	}
}

// InterpretAndPost runs one full interpretation attempt for event:
// ensure a PENDING outcome row exists, select and guard-check the
// applicable policy, run required engines, build the posting intent, and
// write the journal — all decisions captured to a per-attempt decision
// log that is persisted on the resulting InterpretationOutcome regardless
// of whether the attempt succeeded.
func (c *InterpretationCoordinator) InterpretAndPost(event Event) (InterpretationOutcome, error) {
	logger, records := newDecisionLogger(c.clock)
	defer logger.Sync()

	if err := c.ensurePending(event.EventID); err != nil {
		return InterpretationOutcome{}, err
	}

	logger.Info("selecting policy and evaluating guards", zap.String("stage", "meaning"), zap.String("event_id", event.EventID))
	ctx, err := c.meaningBuilder.Build(event)
	if err != nil {
		return c.recordFailure(event.EventID, err, *records)
	}
	logger.Info("policy selected", zap.String("stage", "meaning"), zap.String("policy", ctx.Policy.Name))

	logger.Info("dispatching engines", zap.String("stage", "engines"))
	engineTrace, err := c.engineDispatcher.Dispatch(ctx)
	if err != nil {
		return c.recordFailure(event.EventID, err, *records)
	}
	for _, rec := range engineTrace {
		logger.Info("engine ran", zap.String("stage", "engines"), zap.String("engine", rec.EngineName))
	}

	logger.Info("building posting intent", zap.String("stage", "intent"))
	intent, err := c.intentBuilder.Build(ctx)
	if err != nil {
		return c.recordFailure(event.EventID, err, *records)
	}

	pack := ctx.Pack
	snapshot := buildSnapshot(pack)

	var result JournalWriteResult
	err = c.storage.Update(func(tx *bbolt.Tx) error {
		var werr error
		result, werr = c.journalWriter.Write(tx, intent, ctx.Policy, snapshot, event.EffectiveDate, event.ActorID)
		if werr != nil {
			return werr
		}
		if result.Idempotent {
			current, found, gerr := getOutcome(tx, event.EventID)
			if gerr != nil {
				return gerr
			}
			if found && current.Status == OutcomePosted {
				return nil
			}
		}
		_, werr = c.outcomeRecorder.Transition(tx, event.EventID, OutcomePosted, func(o *InterpretationOutcome) {
			o.PolicyName = ctx.Policy.Name
			o.PolicyVersion = ctx.Policy.Version
			o.JournalEntryIDs = append(o.JournalEntryIDs, result.Entry.EntryID)
			o.DecisionLog = *records
		})
		return werr
	})
	if err != nil {
		return c.recordFailure(event.EventID, err, *records)
	}

	if c.reportStore != nil && !result.Idempotent {
		if err := c.reportStore.Mirror(result.Entry, result.Lines); err != nil {
			logger.Warn("report store mirror failed", zap.String("stage", "mirror"), zap.Error(err))
		}
	}

	var final InterpretationOutcome
	if err := c.storage.View(func(tx *bbolt.Tx) error {
		out, _, err := getOutcome(tx, event.EventID)
		final = out
		return err
	}); err != nil {
		return InterpretationOutcome{}, err
	}
	return final, nil
}

func (c *InterpretationCoordinator) ensurePending(eventID string) error {
	return c.storage.Update(func(tx *bbolt.Tx) error {
		_, found, err := getOutcome(tx, eventID)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		_, err = c.outcomeRecorder.Transition(tx, eventID, OutcomePending, nil)
		return err
	})
}

// recordFailure classifies err into a FailureType/Kind via classifyFailure
// and transitions the outcome accordingly: GUARD_REJECTED and an unknown or
// ambiguous policy -> REJECTED (terminal); GUARD_BLOCKED, role/account
// resolution, stale-snapshot and subledger failures -> BLOCKED
// (non-terminal, reattempted directly); everything else, including a
// closed period and an unbalanced intent -> FAILED (non-terminal, eligible
// for Retry).
func (c *InterpretationCoordinator) recordFailure(eventID string, cause error, log []DecisionRecord) (InterpretationOutcome, error) {
	ke, ok := cause.(*KernelError)
	if !ok {
		ke = Wrap(KindEngineFailure, cause.Error(), cause)
	}

	target, failureType := classifyFailure(ke)

	var out InterpretationOutcome
	err := c.storage.Update(func(tx *bbolt.Tx) error {
		current, found, gerr := getOutcome(tx, eventID)
		if gerr != nil {
			return gerr
		}
		if found && (current.Status == target || IsTerminal(current.Status)) {
			out = current
			return nil
		}
		var terr error
		out, terr = c.outcomeRecorder.Transition(tx, eventID, target, func(o *InterpretationOutcome) {
			o.FailureType = failureType
			o.FailureMessage = ke.Message
			o.FailureCode = ke.Kind
			o.DecisionLog = log
		})
		return terr
	})
	if err != nil {
		return InterpretationOutcome{}, err
	}
	return out, ke
}

func classifyFailure(ke *KernelError) (OutcomeStatus, FailureType) {
	switch ke.Kind {
	case KindGuardRejected:
		return OutcomeRejected, FailureGuard
	case KindGuardBlocked:
		return OutcomeBlocked, FailureGuard
	case KindPolicyNotFound, KindAmbiguousPolicy:
		return OutcomeRejected, FailureContract
	case KindRoleUnresolved, KindRoleAmbiguous, KindAccountInactive:
		return OutcomeBlocked, FailureAuthority
	case KindPeriodClosed, KindAdjustmentNotAllowed:
		return OutcomeFailed, FailureAuthority
	case KindStaleReferenceSnap:
		return OutcomeBlocked, FailureSnapshot
	case KindSubledgerOutOfBalance:
		return OutcomeBlocked, FailureReconciliation
	case KindEngineContractViolation, KindEngineParameterInvalid, KindEngineFailure:
		return OutcomeFailed, FailureEngine
	case KindUnbalancedIntent, KindRoundingThresholdExceed, KindMultipleRoundingLines, KindRoundingAccountMissing:
		return OutcomeFailed, FailureContract
	default:
		return OutcomeFailed, FailureSystem
	}
}

// Retry re-attempts interpretation for an event currently in FAILED or
// BLOCKED status. A FAILED outcome moves through RETRYING before the
// reattempt; a BLOCKED outcome is reattempted directly, since BLOCKED's
// transition table leads straight to POSTED/FAILED/REJECTED (spec §3: a
// guard clearing is not itself a state transition, only its outcome is).
func (c *InterpretationCoordinator) Retry(eventStore *EventStore, eventID string) (InterpretationOutcome, error) {
	var current InterpretationOutcome
	var found bool
	if err := c.storage.View(func(tx *bbolt.Tx) error {
		var err error
		current, found, err = getOutcome(tx, eventID)
		return err
	}); err != nil {
		return InterpretationOutcome{}, err
	}
	if !found {
		return InterpretationOutcome{}, NewKernelError(KindProtocolViolation, fmt.Sprintf("no outcome exists for event %q", eventID))
	}
	if IsTerminal(current.Status) {
		return InterpretationOutcome{}, NewKernelError(KindImmutabilityViolation, fmt.Sprintf("outcome for event %q is terminal (%s) and cannot be retried", eventID, current.Status))
	}

	event, found, err := eventStore.Get(eventID)
	if err != nil {
		return InterpretationOutcome{}, err
	}
	if !found {
		return InterpretationOutcome{}, NewKernelError(KindProtocolViolation, fmt.Sprintf("no event exists with id %q", eventID))
	}

	if current.Status == OutcomeFailed {
		if err := c.storage.Update(func(tx *bbolt.Tx) error {
			_, err := c.outcomeRecorder.Transition(tx, eventID, OutcomeRetrying, nil)
			return err
		}); err != nil {
			return InterpretationOutcome{}, err
		}
	}

	return c.InterpretAndPost(event)
}

// Abandon terminates a FAILED outcome without further retries.
func (c *InterpretationCoordinator) Abandon(eventID, actorID, reason string) (InterpretationOutcome, error) {
	var out InterpretationOutcome
	err := c.storage.Update(func(tx *bbolt.Tx) error {
		current, found, err := getOutcome(tx, eventID)
		if err != nil {
			return err
		}
		if !found {
			return NewKernelError(KindProtocolViolation, fmt.Sprintf("no outcome exists for event %q", eventID))
		}
		if current.Status != OutcomeFailed {
			return NewKernelError(KindImmutabilityViolation, fmt.Sprintf("only a FAILED outcome may be abandoned (current status %s)", current.Status))
		}
		out, err = c.outcomeRecorder.Transition(tx, eventID, OutcomeAbandoned, func(o *InterpretationOutcome) {
			o.FailureMessage = reason
		})
		if err != nil {
			return err
		}
		_, err = appendAudit(tx, c.clock, "InterpretationOutcome", eventID, "ABANDONED", actorID, "")
		return err
	})
	return out, err
}

// Reverse posts a reversing entry for an already-POSTED journal entry: a
// new entry with every line's side flipped, linked back to the original
// via a REVERSED_BY economic link. The lines post straight to the
// original accounts (no policy selection or role resolution) and the entry
// records a snapshot of the current pack.
func (c *InterpretationCoordinator) Reverse(entryID, actorID, reason string) (JournalWriteResult, error) {
	var original JournalEntry
	var originalLines []JournalLine
	if err := c.storage.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx, bucketJournalEntries, []byte(entryID), &original)
		if err != nil {
			return err
		}
		if !found {
			return NewKernelError(KindProtocolViolation, fmt.Sprintf("no journal entry %q exists", entryID))
		}
		originalLines, err = readLinesForEntry(tx, entryID)
		return err
	}); err != nil {
		return JournalWriteResult{}, err
	}
	if original.Status == StatusReversed {
		return JournalWriteResult{}, NewKernelError(KindImmutabilityViolation, fmt.Sprintf("journal entry %q is already reversed", entryID))
	}

	pack := c.authority.Current()
	snapshot := buildSnapshot(pack)

	intentLines := make([]IntentLine, 0, len(originalLines))
	for _, l := range originalLines {
		flipped := Credit
		if l.Side == Credit {
			flipped = Debit
		}
		intentLines = append(intentLines, IntentLine{
			DirectAccountID: l.AccountID,
			Side:            flipped,
			Amount:          l.Amount,
			Dimensions:      l.Dimensions,
			LineMemo:        reason,
		})
	}

	var result JournalWriteResult
	reversalEventID := "reversal-" + uuid.NewString()
	err := c.storage.Update(func(tx *bbolt.Tx) error {
		intent := &AccountingIntent{
			Ledger:        original.Ledger,
			SourceEventID: reversalEventID,
			Lines:         intentLines,
			CreatesLinks: []ResolvedLinkIntent{{
				LinkType:           LinkReversedBy,
				ParentArtifactRef:  original.EntryID,
				ChildArtifactRef:   reversalEventID,
				ParentArtifactType: "journal_entry",
				ChildArtifactType:  "event",
			}},
		}
		var werr error
		result, werr = c.journalWriter.Write(tx, intent, Policy{Name: "reversal", Version: "system", IsAdjustment: true}, snapshot, c.clock.Now(), actorID)
		if werr != nil {
			return werr
		}

		original.Status = StatusReversed
		original.ReversedByEntryID = result.Entry.EntryID
		if werr := putProtectedOnce(tx, bucketJournalEntries, []byte(original.EntryID),
			func(existing []byte) bool {
				var e JournalEntry
				_ = unmarshalJSONBytes(existing, &e)
				return e.Status == StatusReversed
			}, original); werr != nil {
			return werr
		}
		_, werr = appendAudit(tx, c.clock, "JournalEntry", original.EntryID, "REVERSED", actorID, result.Entry.EntryID)
		return werr
	})
	if err != nil {
		return JournalWriteResult{}, err
	}

	if c.reportStore != nil {
		_ = c.reportStore.Mirror(result.Entry, result.Lines)
		_ = c.reportStore.MarkReversed(original.EntryID, result.Entry.EntryID)
	}

	return result, nil
}

// ClosePeriod closes a fiscal period via the period authority.
func (c *InterpretationCoordinator) ClosePeriod(periodCode string, allowsAdjustments bool) (FiscalPeriod, error) {
	return c.journalWriter.periodAuthority.ClosePeriod(periodCode, allowsAdjustments)
}
