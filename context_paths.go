package ledger

import "strings"

// resolveFromContext resolves a dotted path like "payload.amount",
// "party.risk_tier", or "engine.tax.tax_amount" against ctx's namespaces.
// It is the single implementation every from_context reference in the
// compiled pack goes through — ledger effects, engine base-amount inputs,
// link declarations, dimension tags — so all of them share one resolution
// rule (spec §4.10, "from_context dotted-path amount derivation").
func resolveFromContext(ctx *InterpretationContext, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, false
	}

	var root interface{}
	switch parts[0] {
	case "payload":
		root = map[string]interface{}(ctx.Event.Payload)
	case "party":
		root = ctx.Party
	case "contract":
		root = ctx.Contract
	case "engine":
		root = ctx.EngineContext
	case "event":
		root = map[string]interface{}{
			"event_id":       ctx.Event.EventID,
			"event_type":     ctx.Event.EventType,
			"producer":       ctx.Event.Producer,
			"actor_id":       ctx.Event.ActorID,
			"schema_version": ctx.Event.SchemaVersion,
		}
	default:
		return nil, false
	}

	cur := root
	for _, key := range parts[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[key]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
