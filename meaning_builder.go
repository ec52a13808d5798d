package ledger

// InterpretationContext is what the meaning builder hands to the engine
// dispatcher and intent builder: the selected policy plus every namespace
// a guard expression or from_context reference can read.
type InterpretationContext struct {
	Event    Event
	Pack     *CompiledPolicyPack
	Policy   Policy
	Party    map[string]interface{}
	Contract map[string]interface{}

	// EngineContext accumulates computed values (e.g. "tax.tax_amount",
	// "allocation.shares") that required engines contribute, so later
	// from_context references ("engine.tax.tax_amount") can resolve them.
	EngineContext map[string]interface{}
}

// PartyContractResolver fetches the party/contract facts a guard or
// ledger effect needs but that do not travel on the event payload itself
// (e.g. a counterparty's current risk tier, a contract's countersigned
// status). The default resolver used by MeaningBuilder reads them
// straight out of the event payload's "party" and "contract" keys, which
// is sufficient whenever the producer embeds them; a deployment with an
// external party/contract system of record supplies its own.
type PartyContractResolver interface {
	ResolveParty(event Event) (map[string]interface{}, error)
	ResolveContract(event Event) (map[string]interface{}, error)
}

type payloadResolver struct{}

func (payloadResolver) ResolveParty(event Event) (map[string]interface{}, error) {
	if v, ok := event.Payload["party"].(map[string]interface{}); ok {
		return v, nil
	}
	return map[string]interface{}{}, nil
}

func (payloadResolver) ResolveContract(event Event) (map[string]interface{}, error) {
	if v, ok := event.Payload["contract"].(map[string]interface{}); ok {
		return v, nil
	}
	return map[string]interface{}{}, nil
}

// MeaningBuilder turns a bare Event into an InterpretationContext: select
// the one applicable policy, then evaluate every one of its guards in
// order, REJECTing or BLOCKing on the first failure (spec §4.8). There is
// deliberately no exported constructor that does not require a
// *PolicyAuthority — a MeaningBuilder can only exist bound to a live,
// compiled, validated pack.
type MeaningBuilder struct {
	authority *PolicyAuthority
	resolver  PartyContractResolver
}

// NewMeaningBuilder constructs a MeaningBuilder bound to authority. resolver
// may be nil, in which case party/contract facts are read from the event
// payload's "party"/"contract" keys.
func NewMeaningBuilder(authority *PolicyAuthority, resolver PartyContractResolver) *MeaningBuilder {
	if authority == nil {
		panic("ledger: MeaningBuilder requires a non-nil PolicyAuthority")
	}
	if resolver == nil {
		resolver = payloadResolver{}
	}
	return &MeaningBuilder{authority: authority, resolver: resolver}
}

// Build selects the applicable policy for event and runs its guards.
// Guard failures return a *KernelError whose Kind is exactly the
// triggering guard's OnFailKind (GUARD_REJECTED or GUARD_BLOCKED) so the
// caller can classify the resulting outcome without re-inspecting policy
// data.
func (m *MeaningBuilder) Build(event Event) (*InterpretationContext, error) {
	pack := m.authority.Current()

	party, err := m.resolver.ResolveParty(event)
	if err != nil {
		return nil, Wrap(KindEngineFailure, "failed to resolve party facts", err)
	}
	contract, err := m.resolver.ResolveContract(event)
	if err != nil {
		return nil, Wrap(KindEngineFailure, "failed to resolve contract facts", err)
	}

	selector := NewPolicySelector(pack)
	policy, err := selector.Select(SelectionContext{Event: event, Party: party, Contract: contract})
	if err != nil {
		return nil, err
	}

	ctx := &InterpretationContext{
		Event:         event,
		Pack:          pack,
		Policy:        *policy,
		Party:         party,
		Contract:      contract,
		EngineContext: map[string]interface{}{},
	}

	evalCtx := EvalContext{
		Payload:  event.Payload,
		Party:    party,
		Contract: contract,
		Event: map[string]interface{}{
			"event_id":       event.EventID,
			"event_type":     event.EventType,
			"producer":       event.Producer,
			"actor_id":       event.ActorID,
			"schema_version": event.SchemaVersion,
		},
	}

	for _, guard := range policy.Guards {
		ok, err := guard.Expr.Eval(evalCtx)
		if err != nil {
			return nil, Wrap(KindEngineFailure, "guard expression failed to evaluate: "+guard.Name, err)
		}
		if !ok {
			return nil, NewKernelError(guard.OnFailKind, guard.Reason).
				WithContext(map[string]interface{}{
					"guard":        guard.Name,
					"policy":       policy.Name,
					"source_event": event.EventID,
				})
		}
	}

	return ctx, nil
}
