package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AllocationEngine splits a total amount across a set of named shares in
// proportion to weights supplied in policy parameters, using
// shopspring/decimal's documented remainder-distribution idiom: every
// share but the last is floor-rounded to the currency's scale, and the
// last share absorbs whatever sub-unit remainder the floor rounding left
// behind, so the shares always sum back to exactly the total (spec §4.9's
// balance invariant applies just as much to an allocation engine's output
// as to the final journal lines it feeds).
type AllocationEngine struct{}

// NewAllocationEngine constructs an AllocationEngine.
func NewAllocationEngine() *AllocationEngine { return &AllocationEngine{} }

func (e *AllocationEngine) Name() string { return "allocation" }

func (e *AllocationEngine) Version() string { return "1" }

// AllocationShare is one entry in params["shares"]: a name and a relative
// weight (weights need not sum to 1; they are normalized).
type AllocationShare struct {
	Name   string          `json:"name"`
	Weight decimal.Decimal `json:"weight"`
}

// Run expects params["total_from_context"] (a dotted path resolving to a
// Money or numeric value) and params["shares"] (a list of
// {name, weight}). The output's "shares" key maps each share name to its
// allocated decimal.Decimal amount.
func (e *AllocationEngine) Run(ctx *InterpretationContext, params map[string]interface{}) (map[string]interface{}, error) {
	totalPath, _ := params["total_from_context"].(string)
	if totalPath == "" {
		return nil, NewKernelError(KindEngineParameterInvalid, "allocation engine requires total_from_context")
	}
	raw, ok := resolveFromContext(ctx, totalPath)
	if !ok {
		return nil, NewKernelError(KindEngineParameterInvalid, fmt.Sprintf("allocation engine: %q did not resolve", totalPath))
	}
	var total decimal.Decimal
	var scale int32 = moneyFracDigits
	if m, ok := raw.(Money); ok {
		total = m.Amount
		scale = m.Currency.Scale()
	} else if d, ok := toDecimal(raw); ok {
		total = d
	} else {
		return nil, NewKernelError(KindEngineParameterInvalid, fmt.Sprintf("allocation engine: %q resolved to a non-numeric value", totalPath))
	}

	shares, err := decodeShares(params["shares"])
	if err != nil {
		return nil, NewKernelError(KindEngineParameterInvalid, "allocation engine shares parameter malformed").
			WithContext(map[string]interface{}{"error": err.Error()})
	}
	if len(shares) == 0 {
		return nil, NewKernelError(KindEngineParameterInvalid, "allocation engine requires at least one share")
	}

	weightSum := decimal.Zero
	for _, s := range shares {
		weightSum = weightSum.Add(s.Weight)
	}
	if weightSum.IsZero() {
		return nil, NewKernelError(KindEngineParameterInvalid, "allocation engine share weights sum to zero")
	}

	allocated := map[string]interface{}{}
	running := decimal.Zero
	for i, s := range shares {
		if i == len(shares)-1 {
			allocated[s.Name] = total.Sub(running).Round(scale)
			continue
		}
		portion := total.Mul(s.Weight).Div(weightSum).RoundFloor(scale)
		allocated[s.Name] = portion
		running = running.Add(portion)
	}

	return map[string]interface{}{
		"total":  total,
		"shares": allocated,
	}, nil
}

func decodeShares(raw interface{}) ([]AllocationShare, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("shares must be a list")
	}
	out := make([]AllocationShare, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("each share must be an object")
		}
		name, _ := m["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("each share requires a name")
		}
		weight, err := decimalField(m, "weight")
		if err != nil {
			return nil, err
		}
		out = append(out, AllocationShare{Name: name, Weight: weight})
	}
	return out, nil
}
