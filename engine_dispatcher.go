package ledger

import (
	"fmt"
	"time"
)

// EngineTraceRecord captures one interpretation engine invocation for the
// trace assembler and the posted entry's provenance: which engine ran, at
// what version, against what computed input, with what resolved
// parameters, how long it took, and what it returned (spec §4.9, "engine
// trace capture").
type EngineTraceRecord struct {
	EngineName    string                 `json:"engine_name"`
	EngineVersion string                 `json:"engine_version"`
	ParametersRef string                 `json:"parameters_ref"`
	Parameters    map[string]interface{} `json:"parameters"`
	InputHash     string                 `json:"input_hash"`
	Output        map[string]interface{} `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	DurationMS    int64                  `json:"duration_ms"`
}

// Engine is the contract every interpretation engine implements. An engine
// is a pure function of (interpretation context, resolved parameters): it
// must not read or write storage, and its only side effect is the output
// map it returns, which the dispatcher folds into EngineContext under the
// engine's own namespace. Version identifies the engine's computation
// logic (not its parameters) so a posted entry's trace can tell whether a
// later replay ran against the same engine behavior that produced it.
type Engine interface {
	Name() string
	Version() string
	Run(ctx *InterpretationContext, params map[string]interface{}) (map[string]interface{}, error)
}

// EngineDispatcher resolves and runs every engine a policy requires, in
// the order the policy declares them, threading each engine's output into
// the shared EngineContext so a later engine or a ledger effect's
// from_context reference can read an earlier engine's result (spec §4.9).
type EngineDispatcher struct {
	authority *PolicyAuthority
	engines   map[string]Engine
}

// NewEngineDispatcher constructs a dispatcher bound to authority, with
// engines registered by their own Name().
func NewEngineDispatcher(authority *PolicyAuthority, engines ...Engine) *EngineDispatcher {
	if authority == nil {
		panic("ledger: EngineDispatcher requires a non-nil PolicyAuthority")
	}
	reg := make(map[string]Engine, len(engines))
	for _, e := range engines {
		reg[e.Name()] = e
	}
	return &EngineDispatcher{authority: authority, engines: reg}
}

// Dispatch runs every engine ctx.Policy requires, stopping at the first
// failure. A failing engine always surfaces as KindEngineFailure or
// KindEngineParameterInvalid — an engine must never return a raw error
// type across this boundary.
func (d *EngineDispatcher) Dispatch(ctx *InterpretationContext) ([]EngineTraceRecord, error) {
	pack := ctx.Pack
	records := make([]EngineTraceRecord, 0, len(ctx.Policy.RequiredEngines))

	for _, req := range ctx.Policy.RequiredEngines {
		engine, ok := d.engines[req.EngineName]
		if !ok {
			return records, NewKernelError(KindEngineContractViolation,
				fmt.Sprintf("no engine registered with name %q", req.EngineName)).
				WithContext(map[string]interface{}{"engine_name": req.EngineName})
		}
		params := pack.EngineParameters[req.ParametersRef]
		inputHash, err := CanonicalHash(params)
		if err != nil {
			return records, Wrap(KindEngineParameterInvalid, fmt.Sprintf("engine %q: failed to hash input parameters", req.EngineName), err)
		}
		rec := EngineTraceRecord{
			EngineName:    req.EngineName,
			EngineVersion: engine.Version(),
			ParametersRef: req.ParametersRef,
			Parameters:    params,
			InputHash:     inputHash,
		}

		start := time.Now()
		output, runErr := engine.Run(ctx, params)
		rec.DurationMS = time.Since(start).Milliseconds()
		if runErr != nil {
			rec.Error = runErr.Error()
			records = append(records, rec)
			if ke, ok := runErr.(*KernelError); ok {
				return records, ke
			}
			return records, Wrap(KindEngineFailure, fmt.Sprintf("engine %q failed", req.EngineName), runErr)
		}
		rec.Output = output
		records = append(records, rec)

		if ctx.EngineContext[req.EngineName] == nil {
			ctx.EngineContext[req.EngineName] = map[string]interface{}{}
		}
		ns, _ := ctx.EngineContext[req.EngineName].(map[string]interface{})
		for k, v := range output {
			ns[k] = v
		}
	}

	return records, nil
}
