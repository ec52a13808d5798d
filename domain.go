package ledger

import "time"

// ----------------------------------------------------------------------------
// Dimensions — multidimensional tagging, carried forward from the teacher's
// accounting.go unchanged in shape.
// ----------------------------------------------------------------------------

type DimensionKey string

const (
	DimDepartment DimensionKey = "department"
	DimProduct    DimensionKey = "product"
	DimProject    DimensionKey = "project"
	DimRegion     DimensionKey = "region"
	DimCostCenter DimensionKey = "cost_center"
)

// Dimensions is a keyed structured map of analytical tags attached to a
// journal line.
type Dimensions map[DimensionKey]string

// ----------------------------------------------------------------------------
// Event — the canonical, immutable business fact.
// ----------------------------------------------------------------------------

// Event is the canonical business fact the kernel interprets. Once
// persisted it is never modified or deleted; (EventID, PayloadHash) is the
// protocol invariant enforced by the event store.
type Event struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	OccurredAt    time.Time              `json:"occurred_at"`
	EffectiveDate time.Time              `json:"effective_date"`
	ActorID       string                 `json:"actor_id"`
	Producer      string                 `json:"producer"`
	Payload       map[string]interface{} `json:"payload"`
	PayloadHash   string                 `json:"payload_hash"`
	SchemaVersion string                 `json:"schema_version"`
}

// ----------------------------------------------------------------------------
// Chart of accounts.
// ----------------------------------------------------------------------------

type AccountType string

const (
	Asset     AccountType = "ASSET"
	Liability AccountType = "LIABILITY"
	Equity    AccountType = "EQUITY"
	Revenue   AccountType = "REVENUE"
	Expense   AccountType = "EXPENSE"
)

type Side string

const (
	Debit  Side = "DEBIT"
	Credit Side = "CREDIT"
)

// NormalBalance returns the Side that increases a balance of this account type.
func (t AccountType) NormalBalance() Side {
	switch t {
	case Asset, Expense:
		return Debit
	default:
		return Credit
	}
}

// Account is a node in a tree-structured chart of accounts. The kernel
// has no account write path, and no layer checks the structural fields
// (Code, Type, NormalBalance, ParentID) against posted lines: nothing here
// stops those fields from changing after an account has been posted to.
type Account struct {
	ID            string      `json:"id"`
	Code          string      `json:"code"`
	Name          string      `json:"name"`
	Type          AccountType `json:"type"`
	NormalBalance Side        `json:"normal_balance"`
	ParentID      string      `json:"parent_id,omitempty"`
	IsActive      bool        `json:"is_active"`
	Currency      CurrencyCode `json:"currency,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ----------------------------------------------------------------------------
// Journal — the posted, double-entry ledger.
// ----------------------------------------------------------------------------

type EntryStatus string

const (
	StatusDraft    EntryStatus = "DRAFT"
	StatusPosted   EntryStatus = "POSTED"
	StatusReversed EntryStatus = "REVERSED"
)

// ReferenceSnapshot freezes the reference-data version identifiers in force
// at posting time, embedded on every JournalEntry and checked for
// staleness by the journal writer.
type ReferenceSnapshot struct {
	COAVersion              string `json:"coa_version"`
	LedgerRegistryVersion   string `json:"ledger_registry_version"`
	DimensionSchemaVersion  string `json:"dimension_schema_version"`
	RoundingPolicyVersion   string `json:"rounding_policy_version"`
	CurrencyRegistryVersion string `json:"currency_registry_version"`
	EngineParametersHash    string `json:"engine_parameters_hash"`
}

// JournalEntry is a posted grouping of lines representing a single economic
// interpretation of a single event.
type JournalEntry struct {
	EntryID            string      `json:"entry_id"`
	SourceEventID      string      `json:"source_event_id"`
	Ledger             string      `json:"ledger"`
	IdempotencyKey     string      `json:"idempotency_key"`
	EffectiveDate      time.Time   `json:"effective_date"`
	PostedAt           time.Time   `json:"posted_at"`
	ActorID            string      `json:"actor_id"`
	Status             EntryStatus `json:"status"`
	Seq                uint64      `json:"seq"`
	PostingRuleVersion string      `json:"posting_rule_version"`
	Snapshot           ReferenceSnapshot `json:"snapshot"`
	ReversedByEntryID  string      `json:"reversed_by_entry_id,omitempty"`
}

// JournalLine is a single debit or credit.
type JournalLine struct {
	LineID     string     `json:"line_id"`
	EntryID    string     `json:"entry_id"`
	LineSeq    int        `json:"line_seq"`
	AccountID  string     `json:"account_id"`
	Side       Side       `json:"side"`
	Amount     Money      `json:"amount"`
	Dimensions Dimensions `json:"dimensions,omitempty"`
	IsRounding bool       `json:"is_rounding"`
	LineMemo   string     `json:"line_memo,omitempty"`
}

// ----------------------------------------------------------------------------
// Fiscal periods.
// ----------------------------------------------------------------------------

type PeriodStatus string

const (
	PeriodOpen   PeriodStatus = "OPEN"
	PeriodClosed PeriodStatus = "CLOSED"
)

// FiscalPeriod is an immutable-once-closed accounting window. Periods do
// not overlap.
type FiscalPeriod struct {
	PeriodCode        string       `json:"period_code"`
	StartDate         time.Time    `json:"start_date"`
	EndDate           time.Time    `json:"end_date"`
	Status            PeriodStatus `json:"status"`
	AllowsAdjustments bool         `json:"allows_adjustments"`
	ClosedAt          *time.Time   `json:"closed_at,omitempty"`
}

// Contains reports whether t falls within [StartDate, EndDate], inclusive
// on both ends (spec §8 period boundary behavior).
func (p FiscalPeriod) Contains(t time.Time) bool {
	return !t.Before(p.StartDate) && !t.After(p.EndDate)
}

// ----------------------------------------------------------------------------
// Audit chain.
// ----------------------------------------------------------------------------

// AuditEvent is a tamper-evident, append-only log record. Hash chains by
// construction: Hash = H(PayloadHash || PrevHash || Seq || Action).
type AuditEvent struct {
	Seq         uint64    `json:"seq"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Action      string    `json:"action"`
	ActorID     string    `json:"actor_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// ----------------------------------------------------------------------------
// Economic links.
// ----------------------------------------------------------------------------

type LinkType string

const (
	LinkFulfilledBy LinkType = "FULFILLED_BY"
	LinkPaidBy      LinkType = "PAID_BY"
	LinkReversedBy  LinkType = "REVERSED_BY"
	LinkCorrectedBy LinkType = "CORRECTED_BY"
	LinkConsumedBy  LinkType = "CONSUMED_BY"
	LinkSourcedFrom LinkType = "SOURCED_FROM"
	LinkAllocatedTo LinkType = "ALLOCATED_TO"
	LinkDerivedFrom LinkType = "DERIVED_FROM"
	LinkMatchedWith LinkType = "MATCHED_WITH"
	LinkAdjustedBy  LinkType = "ADJUSTED_BY"
)

// EconomicLink is an immutable typed edge between two artifacts.
// ParentArtifactType/ChildArtifactType name what kind of artifact each
// end actually is (e.g. "journal_entry", "event", "external_doc"), so
// CreateLink can check them against the link type's declared legality
// constraints; a link created with these left blank is unconstrained at
// that end.
type EconomicLink struct {
	LinkType           LinkType  `json:"link_type"`
	ParentArtifactRef  string    `json:"parent_artifact_ref"`
	ChildArtifactRef   string    `json:"child_artifact_ref"`
	ParentArtifactType string    `json:"parent_artifact_type,omitempty"`
	ChildArtifactType  string    `json:"child_artifact_type,omitempty"`
	CreatingEventID    string    `json:"creating_event_id"`
	CreatedAt          time.Time `json:"created_at"`
}

// LinkTypeSpec declares the legality constraints for a link type.
type LinkTypeSpec struct {
	Type              LinkType
	ParentArtifactType string
	ChildArtifactType  string
	MaxOutDegree       int // 0 means unbounded
	MaxInDegree        int // 0 means unbounded
}

// ----------------------------------------------------------------------------
// Interpretation outcome.
// ----------------------------------------------------------------------------

type OutcomeStatus string

const (
	OutcomePending     OutcomeStatus = "PENDING"
	OutcomePosted      OutcomeStatus = "POSTED"
	OutcomeBlocked     OutcomeStatus = "BLOCKED"
	OutcomeRejected    OutcomeStatus = "REJECTED"
	OutcomeFailed      OutcomeStatus = "FAILED"
	OutcomeRetrying    OutcomeStatus = "RETRYING"
	OutcomeAbandoned   OutcomeStatus = "ABANDONED"
	OutcomeProvisional OutcomeStatus = "PROVISIONAL"
	OutcomeNonPosting  OutcomeStatus = "NON_POSTING"
)

type FailureType string

const (
	FailureGuard          FailureType = "GUARD"
	FailureEngine         FailureType = "ENGINE"
	FailureReconciliation FailureType = "RECONCILIATION"
	FailureSnapshot       FailureType = "SNAPSHOT"
	FailureAuthority      FailureType = "AUTHORITY"
	FailureContract       FailureType = "CONTRACT"
	FailureSystem         FailureType = "SYSTEM"
)

// InterpretationOutcome is the terminal record for every processed event,
// one per event, unique on SourceEventID.
type InterpretationOutcome struct {
	SourceEventID    string          `json:"source_event_id"`
	Status           OutcomeStatus   `json:"status"`
	PolicyName       string          `json:"policy_name,omitempty"`
	PolicyVersion    string          `json:"policy_version,omitempty"`
	JournalEntryIDs  []string        `json:"journal_entry_ids,omitempty"`
	FailureType      FailureType     `json:"failure_type,omitempty"`
	FailureMessage   string          `json:"failure_message,omitempty"`
	FailureCode      Kind            `json:"failure_code,omitempty"`
	PayloadFingerprint string        `json:"payload_fingerprint,omitempty"`
	DecisionLog      []DecisionRecord `json:"decision_log,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// outcomeTransitions enumerates the state machine from spec.md §3.
var outcomeTransitions = map[OutcomeStatus]map[OutcomeStatus]bool{
	OutcomePending: {
		OutcomePosted: true, OutcomeFailed: true, OutcomeRejected: true,
		OutcomeBlocked: true, OutcomeNonPosting: true, OutcomeProvisional: true,
	},
	OutcomeFailed: {
		OutcomeRetrying: true, OutcomeAbandoned: true,
	},
	OutcomeRetrying: {
		OutcomePosted: true, OutcomeFailed: true,
	},
	OutcomeProvisional: {
		OutcomePosted: true, OutcomeRejected: true,
	},
	OutcomeBlocked: {
		OutcomePosted: true, OutcomeFailed: true, OutcomeRejected: true,
	},
}

// IsTerminal reports whether status can never transition further.
func IsTerminal(status OutcomeStatus) bool {
	switch status {
	case OutcomePosted, OutcomeAbandoned, OutcomeRejected, OutcomeNonPosting:
		return true
	default:
		return false
	}
}

// validTransition reports whether from -> to is legal under the documented
// state machine. The zero value (no prior outcome) may only become PENDING.
func validTransition(from, to OutcomeStatus) bool {
	if from == "" {
		return to == OutcomePending
	}
	if from == to {
		return false
	}
	allowed, ok := outcomeTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}
