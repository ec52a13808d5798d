package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// VarianceEngine compares a computed actual amount against an expected
// amount and reports the absolute and percentage variance, adapted from
// the period-balance comparison a reporting service ran to build its
// financial statements — reframed here as a reusable interpretation-time
// check instead of a one-off report calculation. Its output, including
// within_tolerance, lands in the interpretation's EngineContext under
// "variance", where later from_context references can read it. Policy
// guards run before engines are dispatched and do not see it, and the
// engine itself does not reject or block a posting.
type VarianceEngine struct{}

// NewVarianceEngine constructs a VarianceEngine.
func NewVarianceEngine() *VarianceEngine { return &VarianceEngine{} }

func (e *VarianceEngine) Name() string { return "variance" }

func (e *VarianceEngine) Version() string { return "1" }

// Run expects params["actual_from_context"] and params["expected_from_context"]
// dotted paths, plus an optional params["tolerance_pct"] (decimal fraction,
// e.g. 0.02 for 2%).
func (e *VarianceEngine) Run(ctx *InterpretationContext, params map[string]interface{}) (map[string]interface{}, error) {
	actualPath, _ := params["actual_from_context"].(string)
	expectedPath, _ := params["expected_from_context"].(string)
	if actualPath == "" || expectedPath == "" {
		return nil, NewKernelError(KindEngineParameterInvalid, "variance engine requires actual_from_context and expected_from_context")
	}

	actual, err := varianceOperand(ctx, actualPath)
	if err != nil {
		return nil, err
	}
	expected, err := varianceOperand(ctx, expectedPath)
	if err != nil {
		return nil, err
	}

	variance := actual.Sub(expected)
	var variancePct decimal.Decimal
	if !expected.IsZero() {
		variancePct = variance.Div(expected).Abs()
	}

	tolerance := decimal.NewFromFloat(0.0)
	if raw, ok := params["tolerance_pct"]; ok {
		if d, ok := toDecimal(raw); ok {
			tolerance = d
		}
	}

	withinTolerance := tolerance.IsZero() && variance.IsZero()
	if !tolerance.IsZero() {
		withinTolerance = variancePct.LessThanOrEqual(tolerance)
	}

	return map[string]interface{}{
		"actual":           actual,
		"expected":         expected,
		"variance":         variance,
		"variance_pct":     variancePct,
		"within_tolerance": withinTolerance,
	}, nil
}

func varianceOperand(ctx *InterpretationContext, path string) (decimal.Decimal, error) {
	v, ok := resolveFromContext(ctx, path)
	if !ok {
		return decimal.Decimal{}, NewKernelError(KindEngineParameterInvalid,
			fmt.Sprintf("variance engine: %q did not resolve", path))
	}
	if m, ok := v.(Money); ok {
		return m.Amount, nil
	}
	if d, ok := toDecimal(v); ok {
		return d, nil
	}
	return decimal.Decimal{}, NewKernelError(KindEngineParameterInvalid,
		fmt.Sprintf("variance engine: %q resolved to a non-numeric value", path))
}
