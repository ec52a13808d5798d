package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// PolicyPackSource is the uncompiled, author-facing policy pack: what a
// deployment actually writes to the file named by KERNEL_POLICY_PACK_PATH.
type PolicyPackSource struct {
	COAVersion              string                         `json:"coa_version"`
	LedgerRegistryVersion   string                         `json:"ledger_registry_version"`
	DimensionSchemaVersion  string                         `json:"dimension_schema_version"`
	RoundingPolicyVersion   string                         `json:"rounding_policy_version"`
	CurrencyRegistryVersion string                         `json:"currency_registry_version"`
	Policies                []RawPolicy                    `json:"policies"`
	RoleBindings            []RoleBinding                  `json:"role_bindings"`
	EngineParameters        map[string]map[string]interface{} `json:"engine_parameters"`
	Controls                []SubledgerControlContract    `json:"controls"`
	LinkTypeSpecs           []LinkTypeSpec                 `json:"link_type_specs"`
}

// CompilePolicyPack validates src and freezes it into a CompiledPolicyPack.
// Validation covers: every guard expression parses; every required
// engine's parameters_ref names an EngineParameters entry; role bindings
// don't leave gaps for any ledger effect at its own effective_from; no two
// policies for the same event_type share an identical (priority, where)
// dispatch key, which would make selection ambiguous. Every validation
// failure is a POLICY_COMPILATION_FAILED error. On success the pack is
// stamped with a canonical fingerprint (spec §4.8, "frozen and
// fingerprinted") — a hash of the source with its unordered collections
// sorted (see fingerprintSource), so two packs that differ only in the
// order of those collections share a fingerprint.
func CompilePolicyPack(src PolicyPackSource) (*CompiledPolicyPack, error) {
	pack := &CompiledPolicyPack{
		CompiledAt:              time.Time{},
		COAVersion:              src.COAVersion,
		LedgerRegistryVersion:   src.LedgerRegistryVersion,
		DimensionSchemaVersion:  src.DimensionSchemaVersion,
		RoundingPolicyVersion:   src.RoundingPolicyVersion,
		CurrencyRegistryVersion: src.CurrencyRegistryVersion,
		RoleBindings:            src.RoleBindings,
		EngineParameters:        src.EngineParameters,
		Controls:                src.Controls,
		LinkTypeSpecs:           map[LinkType]LinkTypeSpec{},
	}
	for _, spec := range src.LinkTypeSpecs {
		pack.LinkTypeSpecs[spec.Type] = spec
	}

	engineNames := map[string]bool{}
	for name := range src.EngineParameters {
		engineNames[name] = true
	}

	compiled := make([]Policy, 0, len(src.Policies))
	seenDispatchKey := map[string]string{} // eventType|priority|where -> policy name, for ambiguity detection

	for _, raw := range src.Policies {
		if raw.Name == "" {
			return nil, NewKernelError(KindPolicyCompilationFailed, "policy missing name")
		}
		if raw.EventType == "" {
			return nil, NewKernelError(KindPolicyCompilationFailed, fmt.Sprintf("policy %q missing event_type", raw.Name))
		}
		if len(raw.LedgerEffects) == 0 && !raw.IsAdjustment {
			return nil, NewKernelError(KindPolicyCompilationFailed, fmt.Sprintf("policy %q declares no ledger_effects", raw.Name))
		}

		var where *GuardExpr
		if raw.Where != "" {
			parsed, err := ParseGuardExpr(raw.Where)
			if err != nil {
				return nil, Wrap(KindPolicyCompilationFailed, fmt.Sprintf("policy %q: invalid where expression", raw.Name), err)
			}
			where = parsed
		}

		for i := range raw.Guards {
			if _, err := ParseGuardExpr(raw.Guards[i].Expr.Source); err != nil {
				return nil, Wrap(KindPolicyCompilationFailed, fmt.Sprintf("policy %q guard %q", raw.Name, raw.Guards[i].Name), err)
			}
			switch raw.Guards[i].OnFailKind {
			case KindGuardRejected, KindGuardBlocked:
			default:
				return nil, NewKernelError(KindPolicyCompilationFailed, fmt.Sprintf("policy %q guard %q: on_fail_kind must be guard_rejected or guard_blocked", raw.Name, raw.Guards[i].Name))
			}
		}

		for _, req := range raw.RequiredEngines {
			if !engineNames[req.ParametersRef] {
				return nil, NewKernelError(KindPolicyCompilationFailed, fmt.Sprintf("policy %q requires engine %q with unregistered parameters_ref %q", raw.Name, req.EngineName, req.ParametersRef))
			}
		}

		for _, link := range raw.CreatesLinks {
			if _, ok := pack.LinkTypeSpecs[link.LinkType]; !ok {
				return nil, NewKernelError(KindPolicyCompilationFailed, fmt.Sprintf("policy %q creates undeclared link type %q", raw.Name, link.LinkType))
			}
		}

		for _, eff := range raw.LedgerEffects {
			if eff.Role == "" {
				return nil, NewKernelError(KindPolicyCompilationFailed, fmt.Sprintf("policy %q: ledger effect missing role", raw.Name))
			}
			if eff.AmountFromContext == "" {
				return nil, NewKernelError(KindPolicyCompilationFailed, fmt.Sprintf("policy %q: ledger effect for role %q missing amount_from_context", raw.Name, eff.Role))
			}
			if _, ambiguous, found := pack.resolveRole(raw.Ledger, eff.Role, raw.EffectiveFrom); ambiguous {
				return nil, NewKernelError(KindRoleAmbiguous, fmt.Sprintf("policy %q: role %q has multiple overlapping bindings on ledger %q effective %s", raw.Name, eff.Role, raw.Ledger, raw.EffectiveFrom))
			} else if !found {
				return nil, NewKernelError(KindRoleUnresolved, fmt.Sprintf("policy %q: role %q has no binding on ledger %q effective %s", raw.Name, eff.Role, raw.Ledger, raw.EffectiveFrom))
			}
		}

		dispatchKey := fmt.Sprintf("%s|%d|%s", raw.EventType, raw.Priority, raw.Where)
		if existing, ok := seenDispatchKey[dispatchKey]; ok {
			return nil, NewKernelError(KindAmbiguousPolicy, fmt.Sprintf("policies %q and %q share an identical dispatch key for event_type %q", existing, raw.Name, raw.EventType))
		}
		seenDispatchKey[dispatchKey] = raw.Name

		compiled = append(compiled, Policy{
			Name:             raw.Name,
			Version:          raw.Version,
			EventType:        raw.EventType,
			Where:            where,
			Priority:         raw.Priority,
			EffectiveFrom:    raw.EffectiveFrom,
			EffectiveTo:      raw.EffectiveTo,
			Ledger:           raw.Ledger,
			LedgerEffects:    raw.LedgerEffects,
			Guards:           raw.Guards,
			RequiredEngines:  raw.RequiredEngines,
			CreatesLinks:     raw.CreatesLinks,
			RoundingRole:     raw.RoundingRole,
			IsAdjustment:     raw.IsAdjustment,
		})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority > compiled[j].Priority
		}
		return compiled[i].Name < compiled[j].Name
	})
	pack.Policies = compiled

	index := map[string][]int{}
	for i, p := range compiled {
		index[p.EventType] = append(index[p.EventType], i)
	}
	pack.indexByEventType = index

	fpSource, err := fingerprintSource(src)
	if err != nil {
		return nil, Wrap(KindPolicyCompilationFailed, "failed to normalize pack for fingerprinting", err)
	}
	fingerprint, err := CanonicalHash(fpSource)
	if err != nil {
		return nil, Wrap(KindPolicyCompilationFailed, "failed to fingerprint compiled pack", err)
	}
	pack.Fingerprint = fingerprint

	return pack, nil
}

// fingerprintSource returns a copy of src with every semantically
// unordered collection (role bindings, subledger controls, link type
// specs, top-level policies) sorted into a canonical order, so the
// fingerprint depends only on pack content and never on authoring order
// (spec §4.3/§4.5, "stable across reorderings of semantically unordered
// fields"). A policy's own ledger_effects/guards stay in authored order:
// those are semantically ordered and must keep distinguishing two packs
// that differ only in line order.
func fingerprintSource(src PolicyPackSource) (PolicyPackSource, error) {
	out := src
	var err error
	if out.RoleBindings, err = sortByCanonicalJSON(src.RoleBindings); err != nil {
		return PolicyPackSource{}, err
	}
	if out.Controls, err = sortByCanonicalJSON(src.Controls); err != nil {
		return PolicyPackSource{}, err
	}
	if out.LinkTypeSpecs, err = sortByCanonicalJSON(src.LinkTypeSpecs); err != nil {
		return PolicyPackSource{}, err
	}
	if out.Policies, err = sortByCanonicalJSON(src.Policies); err != nil {
		return PolicyPackSource{}, err
	}
	return out, nil
}

// sortByCanonicalJSON returns a copy of items ordered by each element's
// own JSON encoding, giving a deterministic order to a slice whose
// elements carry no natural sort key of their own.
func sortByCanonicalJSON[T any](items []T) ([]T, error) {
	if len(items) == 0 {
		return items, nil
	}
	type keyed struct {
		key string
		val T
	}
	sortable := make([]keyed, len(items))
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		sortable[i] = keyed{key: string(data), val: item}
	}
	sort.Slice(sortable, func(i, j int) bool { return sortable[i].key < sortable[j].key })
	out := make([]T, len(sortable))
	for i, s := range sortable {
		out[i] = s.val
	}
	return out, nil
}
