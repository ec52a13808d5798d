package ledger

import "time"

// ----------------------------------------------------------------------------
// Policy-as-data model. A CompiledPolicyPack is the single artifact the
// meaning builder and engine dispatcher read at interpretation time; no
// component downstream of the compiler ever branches on event_type in
// application code (spec §4.8's "no switch on event.Type in the runtime").
// ----------------------------------------------------------------------------

// RawPolicy is the author-facing, uncompiled form a policy is authored in
// (loaded from the policy pack file named by KERNEL_POLICY_PACK_PATH).
type RawPolicy struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	EventType       string            `json:"event_type"`
	Where           string            `json:"where,omitempty"` // guard expression source; empty matches unconditionally
	Priority        int               `json:"priority"`
	EffectiveFrom   time.Time         `json:"effective_from"`
	EffectiveTo     *time.Time        `json:"effective_to,omitempty"`
	Ledger          string            `json:"ledger"`
	LedgerEffects   []LedgerEffect    `json:"ledger_effects"`
	Guards          []GuardSpec       `json:"guards,omitempty"`
	RequiredEngines []EngineRequirement `json:"required_engines,omitempty"`
	CreatesLinks    []LinkDeclaration `json:"creates_links,omitempty"`
	RoundingRole    string            `json:"rounding_role,omitempty"`
	IsAdjustment    bool              `json:"is_adjustment,omitempty"`
}

// LedgerEffect declares one journal line a posting rule produces, expressed
// entirely as data: a role reference the role resolver turns into a
// concrete account, and dotted-path references into the interpretation
// context for the amount/currency/dimensions (spec §4.10, "from_context").
type LedgerEffect struct {
	Role               string            `json:"role"`
	Side               Side              `json:"side"`
	AmountFromContext  string            `json:"amount_from_context"`
	CurrencyFromContext string           `json:"currency_from_context,omitempty"`
	FixedCurrency      CurrencyCode      `json:"fixed_currency,omitempty"`
	DimensionsFromContext map[DimensionKey]string `json:"dimensions_from_context,omitempty"`
	LineMemoFromContext string           `json:"line_memo_from_context,omitempty"`
}

// GuardSpec is one named guard expression plus the error classification to
// apply when it fails: REJECT (terminal, payload/semantics are wrong and
// retrying the identical event can never succeed) or BLOCK (non-terminal,
// a transient authority/state condition that may clear, e.g. "period not
// yet open" or "contract not yet countersigned") — spec §3's REJECTED vs
// BLOCKED distinction, decided entirely by policy data rather than by
// which Go function happened to return the error.
type GuardSpec struct {
	Name       string     `json:"name"`
	Expr       GuardExpr  `json:"expr"`
	OnFailKind Kind       `json:"on_fail_kind"` // KindGuardRejected or KindGuardBlocked
	Reason     string     `json:"reason"`
}

// EngineRequirement names an interpretation engine this policy must invoke
// before ledger effects are resolved (e.g. tax computation, allocation,
// variance checks), and the key into the pack's EngineParameters the
// dispatcher must hand that engine.
type EngineRequirement struct {
	EngineName    string `json:"engine_name"`
	ParametersRef string `json:"parameters_ref"`
}

// LinkDeclaration describes an economic link this policy creates as a side
// effect of posting, with both endpoints resolved from the interpretation
// context.
type LinkDeclaration struct {
	LinkType             LinkType `json:"link_type"`
	ParentRefFromContext string   `json:"parent_ref_from_context"`
	ChildRefFromContext  string   `json:"child_ref_from_context"`
	ParentArtifactType   string   `json:"parent_artifact_type,omitempty"`
	ChildArtifactType    string   `json:"child_artifact_type,omitempty"`
}

// Policy is the compiled, frozen form of a RawPolicy: its guard
// expressions are parsed (and therefore syntax-validated) once at compile
// time rather than on every dispatch.
type Policy struct {
	Name             string
	Version          string
	EventType        string
	Where            *GuardExpr
	Priority         int
	EffectiveFrom    time.Time
	EffectiveTo      *time.Time
	Ledger           string
	LedgerEffects    []LedgerEffect
	Guards           []GuardSpec
	RequiredEngines  []EngineRequirement
	CreatesLinks     []LinkDeclaration
	RoundingRole     string
	IsAdjustment     bool
}

// RoleBinding resolves a semantic role name to a concrete account, scoped
// to a ledger and an effective-date range (spec §4.11).
type RoleBinding struct {
	Role          string     `json:"role"`
	Ledger        string     `json:"ledger"`
	AccountCode   string     `json:"account_code"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
}

func (b RoleBinding) coversDate(t time.Time) bool {
	if t.Before(b.EffectiveFrom) {
		return false
	}
	if b.EffectiveTo != nil && t.After(*b.EffectiveTo) {
		return false
	}
	return true
}

// SubledgerControlContract declares a reconciliation relationship between
// a control account and the subledger(s) that must sum to it (spec §4.16,
// adapted from the teacher's reconciliation.go).
type SubledgerControlContract struct {
	ContractName    string `json:"contract_name"`
	Ledger          string `json:"ledger"`
	ControlRole     string `json:"control_role"`
	SubledgerEngine string `json:"subledger_engine"`
	Tolerance       Money  `json:"tolerance"`

	// EnforceOnPost runs this contract automatically inside every posting
	// transaction on Ledger, blocking the post if the tie-out fails (spec
	// §4.15). EnforceOnClose runs it automatically at period close,
	// blocking the close (spec §4.16). Neither is exclusive of the
	// operator-triggered SubledgerControl.Check/Kernel.CheckSubledgers
	// path, which always runs on demand regardless of these flags.
	EnforceOnPost  bool `json:"enforce_on_post,omitempty"`
	EnforceOnClose bool `json:"enforce_on_close,omitempty"`
}

// CompiledPolicyPack is the single, frozen, fingerprinted artifact the
// interpretation coordinator dispatches against. Apart from the CompiledAt
// stamp the PolicyAuthority sets when it takes the pack, it is never
// mutated after compilation: a new deployment produces a new pack with a new
// Fingerprint, and every JournalEntry snapshot records the fingerprint in
// force at posting time (spec §4.17, ReferenceSnapshot.EngineParametersHash).
type CompiledPolicyPack struct {
	Fingerprint      string
	CompiledAt       time.Time
	COAVersion       string
	LedgerRegistryVersion  string
	DimensionSchemaVersion string
	RoundingPolicyVersion  string
	CurrencyRegistryVersion string

	Policies         []Policy
	indexByEventType map[string][]int

	RoleBindings     []RoleBinding
	EngineParameters map[string]map[string]interface{}
	Controls         []SubledgerControlContract
	LinkTypeSpecs    map[LinkType]LinkTypeSpec
}

// policiesFor returns the policies registered against eventType, already
// ordered by descending Priority (ties broken by Name for determinism) —
// the precedence-ordered dispatch list the selector walks (spec §4.9).
func (p *CompiledPolicyPack) policiesFor(eventType string) []Policy {
	idxs := p.indexByEventType[eventType]
	out := make([]Policy, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, p.Policies[i])
	}
	return out
}

// resolveRole returns the account code bound to role on ledger at
// effective date t. ambiguous reports whether more than one RoleBinding
// matches (spec §4.11 invariant L1): overlapping bindings for the same
// role/ledger/date are a configuration error, not a "first one wins"
// situation, and must surface as ROLE_AMBIGUOUS rather than silently
// picking whichever binding happens to appear first.
func (p *CompiledPolicyPack) resolveRole(ledger, role string, t time.Time) (code string, ambiguous bool, found bool) {
	for _, b := range p.RoleBindings {
		if b.Ledger == ledger && b.Role == role && b.coversDate(t) {
			if found {
				return "", true, true
			}
			code, found = b.AccountCode, true
		}
	}
	return code, false, found
}
