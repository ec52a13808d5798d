package ledger

import "time"

// PolicySelector walks a compiled pack's precedence-ordered policy list for
// an event type and returns the single policy that applies, or a precise
// diagnosis of why none (or more than one) did (spec §4.9).
type PolicySelector struct {
	pack *CompiledPolicyPack
}

// NewPolicySelector constructs a selector bound to a compiled pack.
func NewPolicySelector(pack *CompiledPolicyPack) *PolicySelector {
	return &PolicySelector{pack: pack}
}

// SelectionContext is the read-only view the selector's predicates
// evaluate against: the triggering event plus whatever party/contract
// facts the meaning builder has already gathered for guard evaluation.
type SelectionContext struct {
	Event    Event
	Party    map[string]interface{}
	Contract map[string]interface{}
}

func (c SelectionContext) toEvalContext() EvalContext {
	return EvalContext{
		Payload:  c.Event.Payload,
		Party:    c.Party,
		Contract: c.Contract,
		Event: map[string]interface{}{
			"event_id":       c.Event.EventID,
			"event_type":     c.Event.EventType,
			"producer":       c.Event.Producer,
			"actor_id":       c.Event.ActorID,
			"schema_version": c.Event.SchemaVersion,
		},
	}
}

// Select returns the highest-priority policy registered for ctx.Event's
// event_type whose effective window covers the event and whose Where
// predicate (if any) evaluates true. Policies are already priority-sorted
// by the compiler, so the first match wins; ties in priority were already
// rejected at compile time as an ambiguous dispatch key, so at most one
// policy can match at any given priority level for a fixed Where outcome —
// but distinct Where expressions can still both be true for one event at
// the same priority, which this still treats as ambiguous rather than
// silently picking list order.
func (s *PolicySelector) Select(ctx SelectionContext) (*Policy, error) {
	candidates := s.pack.policiesFor(ctx.Event.EventType)
	if len(candidates) == 0 {
		return nil, NewKernelError(KindPolicyNotFound, "no policy registered for event_type").
			WithContext(map[string]interface{}{"event_type": ctx.Event.EventType})
	}

	evalCtx := ctx.toEvalContext()
	var matched []Policy
	highestPriority := 0
	for _, p := range candidates {
		if !withinEffectiveWindow(p, ctx.Event.EffectiveDate) {
			continue
		}
		ok := true
		if p.Where != nil {
			var err error
			ok, err = p.Where.Eval(evalCtx)
			if err != nil {
				return nil, Wrap(KindPolicyCompilationFailed, "guard expression evaluation failed during dispatch", err).
					WithContext(map[string]interface{}{"policy": p.Name})
			}
		}
		if !ok {
			continue
		}
		if len(matched) == 0 || p.Priority > highestPriority {
			highestPriority = p.Priority
		}
		matched = append(matched, p)
	}

	if len(matched) == 0 {
		return nil, NewKernelError(KindPolicyNotFound, "no policy's where-predicate matched this event").
			WithContext(map[string]interface{}{"event_type": ctx.Event.EventType})
	}

	// Keep only the matches at the single highest priority observed.
	var top []Policy
	for _, p := range matched {
		if p.Priority == highestPriority {
			top = append(top, p)
		}
	}
	if len(top) > 1 {
		names := make([]string, len(top))
		for i, p := range top {
			names[i] = p.Name
		}
		return nil, NewKernelError(KindAmbiguousPolicy, "multiple policies matched at the same priority").
			WithContext(map[string]interface{}{"event_type": ctx.Event.EventType, "candidates": names})
	}

	chosen := top[0]
	return &chosen, nil
}

func withinEffectiveWindow(p Policy, effectiveDate time.Time) bool {
	if effectiveDate.Before(p.EffectiveFrom) {
		return false
	}
	if p.EffectiveTo != nil && effectiveDate.After(*p.EffectiveTo) {
		return false
	}
	return true
}
