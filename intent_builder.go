package ledger

import "fmt"

// IntentLine is one unresolved ledger effect, after its from_context
// references have been evaluated against the interpretation context but
// before role resolution has turned its Role into a concrete AccountID —
// that translation is the role resolver's job, not this one (spec §4.10
// / §4.11 boundary).
type IntentLine struct {
	Role       string
	Side       Side
	Amount     Money
	Dimensions Dimensions
	IsRounding bool
	LineMemo   string

	// DirectAccountID, when set, bypasses role resolution entirely and
	// posts straight to this account. Only the reversal path (coordinator
	// Reverse) uses this; the journal writer's rounding line goes through
	// the policy's rounding role, and every policy-driven posting goes through
	// Role so a role binding can be tightened or retargeted without a
	// code change.
	DirectAccountID string
}

// AccountingIntent is the fully-evaluated, not-yet-role-resolved shape of
// what a policy says should be posted: every amount and dimension has
// been pulled out of payload/party/contract/engine context and frozen,
// but accounts are still named by role.
type AccountingIntent struct {
	Ledger       string
	SourceEventID string
	Lines        []IntentLine
	CreatesLinks []ResolvedLinkIntent
	RoundingRole string
}

// ResolvedLinkIntent is an economic link declaration with both artifact
// references evaluated out of context.
type ResolvedLinkIntent struct {
	LinkType           LinkType
	ParentArtifactRef  string
	ChildArtifactRef   string
	ParentArtifactType string
	ChildArtifactType  string
}

// IntentBuilder turns an InterpretationContext (policy + engine results +
// event facts) into an AccountingIntent, by evaluating every
// from_context reference the policy's ledger_effects and creates_links
// declare (spec §4.10).
type IntentBuilder struct{}

// NewIntentBuilder constructs an IntentBuilder. It is stateless.
func NewIntentBuilder() *IntentBuilder { return &IntentBuilder{} }

// Build evaluates ctx.Policy's ledger effects and link declarations into
// a concrete AccountingIntent.
func (b *IntentBuilder) Build(ctx *InterpretationContext) (*AccountingIntent, error) {
	intent := &AccountingIntent{
		Ledger:        ctx.Policy.Ledger,
		SourceEventID: ctx.Event.EventID,
		RoundingRole:  ctx.Policy.RoundingRole,
	}

	for _, eff := range ctx.Policy.LedgerEffects {
		amount, err := resolveEffectAmount(ctx, eff)
		if err != nil {
			return nil, err
		}
		dims := Dimensions{}
		for dimKey, path := range eff.DimensionsFromContext {
			v, ok := resolveFromContext(ctx, path)
			if !ok {
				continue
			}
			if s, ok := v.(string); ok {
				dims[dimKey] = s
			} else {
				dims[dimKey] = fmt.Sprint(v)
			}
		}
		memo := ""
		if eff.LineMemoFromContext != "" {
			if v, ok := resolveFromContext(ctx, eff.LineMemoFromContext); ok {
				if s, ok := v.(string); ok {
					memo = s
				}
			}
		}

		intent.Lines = append(intent.Lines, IntentLine{
			Role:       eff.Role,
			Side:       eff.Side,
			Amount:     amount,
			Dimensions: dims,
			LineMemo:   memo,
		})
	}

	for _, link := range ctx.Policy.CreatesLinks {
		parentRef, ok := resolveStringFromContext(ctx, link.ParentRefFromContext)
		if !ok {
			return nil, NewKernelError(KindMalformedPayload, fmt.Sprintf("link %s: parent_ref_from_context %q did not resolve", link.LinkType, link.ParentRefFromContext))
		}
		childRef, ok := resolveStringFromContext(ctx, link.ChildRefFromContext)
		if !ok {
			return nil, NewKernelError(KindMalformedPayload, fmt.Sprintf("link %s: child_ref_from_context %q did not resolve", link.LinkType, link.ChildRefFromContext))
		}
		intent.CreatesLinks = append(intent.CreatesLinks, ResolvedLinkIntent{
			LinkType:           link.LinkType,
			ParentArtifactRef:  parentRef,
			ChildArtifactRef:   childRef,
			ParentArtifactType: link.ParentArtifactType,
			ChildArtifactType:  link.ChildArtifactType,
		})
	}

	return intent, nil
}

func resolveEffectAmount(ctx *InterpretationContext, eff LedgerEffect) (Money, error) {
	v, ok := resolveFromContext(ctx, eff.AmountFromContext)
	if !ok {
		return Money{}, NewKernelError(KindMalformedPayload,
			fmt.Sprintf("ledger effect for role %q: amount_from_context %q did not resolve", eff.Role, eff.AmountFromContext))
	}

	if m, ok := v.(Money); ok {
		return m.Normalize()
	}

	d, ok := toDecimal(v)
	if !ok {
		return Money{}, NewKernelError(KindMalformedPayload,
			fmt.Sprintf("ledger effect for role %q: amount_from_context %q resolved to a non-numeric value", eff.Role, eff.AmountFromContext))
	}

	currency := eff.FixedCurrency
	if eff.CurrencyFromContext != "" {
		if cv, ok := resolveFromContext(ctx, eff.CurrencyFromContext); ok {
			if s, ok := cv.(string); ok {
				currency = CurrencyCode(s)
			}
		}
	}
	if currency == "" {
		return Money{}, NewKernelError(KindInvalidCurrency,
			fmt.Sprintf("ledger effect for role %q: no currency resolved", eff.Role))
	}

	return Money{Amount: d, Currency: currency}.Normalize()
}

func resolveStringFromContext(ctx *InterpretationContext, path string) (string, bool) {
	v, ok := resolveFromContext(ctx, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
