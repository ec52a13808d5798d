package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TaxEngine computes a tax amount against a base amount using a
// jurisdiction/tax-type rate table, adapted from the rate-and-bracket
// matching logic a compliance service used to run directly against raw
// float64 amounts — here a rule matches when the base amount lies within
// [min_amount, max_amount] (a zero bound is open) and the first matching
// rule wins; rules carry no active flag or effective window. The
// arithmetic runs entirely in decimal.Decimal so a posted tax line never
// drifts from its computed fraction of a cent.
type TaxEngine struct{}

// NewTaxEngine constructs a TaxEngine. It carries no state: every
// invocation is a pure function of its parameters.
func NewTaxEngine() *TaxEngine { return &TaxEngine{} }

func (e *TaxEngine) Name() string { return "tax" }

func (e *TaxEngine) Version() string { return "1" }

// TaxRateRule is one bracket in the engine parameters' "rules" list.
type TaxRateRule struct {
	Rate      decimal.Decimal `json:"rate"`
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"` // zero means unbounded
}

// Run expects params["rules"] to decode into []TaxRateRule (via the
// generic map[string]interface{} parameter bag every engine receives) and
// params["base_amount_from_context"], a dotted path resolved through the
// same from_context lookup ledger effects use. Without that parameter it
// returns ENGINE_PARAMETER_INVALID; there is no fallback to
// payload.amount.
func (e *TaxEngine) Run(ctx *InterpretationContext, params map[string]interface{}) (map[string]interface{}, error) {
	base, err := taxBaseAmount(ctx, params)
	if err != nil {
		return nil, err
	}

	rules, err := decodeTaxRules(params["rules"])
	if err != nil {
		return nil, NewKernelError(KindEngineParameterInvalid, "tax engine rules parameter malformed").
			WithContext(map[string]interface{}{"error": err.Error()})
	}

	var applicable *TaxRateRule
	for i := range rules {
		r := rules[i]
		if !r.MinAmount.IsZero() && base.LessThan(r.MinAmount) {
			continue
		}
		if !r.MaxAmount.IsZero() && base.GreaterThan(r.MaxAmount) {
			continue
		}
		applicable = &r
		break
	}

	if applicable == nil {
		return map[string]interface{}{
			"base_amount":    base,
			"taxable_amount": decimal.Zero,
			"rate":           decimal.Zero,
			"tax_amount":     decimal.Zero,
		}, nil
	}

	taxAmount := base.Mul(applicable.Rate).Round(moneyFracDigits)
	return map[string]interface{}{
		"base_amount":    base,
		"taxable_amount": base,
		"rate":           applicable.Rate,
		"tax_amount":     taxAmount,
	}, nil
}

func taxBaseAmount(ctx *InterpretationContext, params map[string]interface{}) (decimal.Decimal, error) {
	if raw, ok := params["base_amount_from_context"].(string); ok && raw != "" {
		v, ok := resolveFromContext(ctx, raw)
		if !ok {
			return decimal.Decimal{}, NewKernelError(KindEngineParameterInvalid,
				fmt.Sprintf("tax engine base_amount_from_context %q did not resolve", raw))
		}
		if m, ok := v.(Money); ok {
			return m.Amount, nil
		}
		if d, ok := toDecimal(v); ok {
			return d, nil
		}
		return decimal.Decimal{}, NewKernelError(KindEngineParameterInvalid,
			fmt.Sprintf("tax engine base_amount_from_context %q resolved to a non-numeric value", raw))
	}
	return decimal.Zero, NewKernelError(KindEngineParameterInvalid, "tax engine requires base_amount_from_context")
}

func decodeTaxRules(raw interface{}) ([]TaxRateRule, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("rules must be a list")
	}
	out := make([]TaxRateRule, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("each rule must be an object")
		}
		rate, err := decimalField(m, "rate")
		if err != nil {
			return nil, err
		}
		minAmt, _ := decimalField(m, "min_amount")
		maxAmt, _ := decimalField(m, "max_amount")
		out = append(out, TaxRateRule{Rate: rate, MinAmount: minAmt, MaxAmount: maxAmt})
	}
	return out, nil
}

func decimalField(m map[string]interface{}, key string) (decimal.Decimal, error) {
	v, ok := m[key]
	if !ok {
		return decimal.Zero, nil
	}
	d, ok := toDecimal(v)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("field %q is not numeric", key)
	}
	return d, nil
}
