package ledger

import (
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DecisionRecord is a single structured log line captured during a posting.
// The ordered sequence of DecisionRecords for one event is its decision
// journal — a first-class, persisted output, not a debugging aid (spec
// §9). Its shape is stable across kernel versions.
type DecisionRecord struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Stage   string                 `json:"stage"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// decisionCore is a zapcore.Core that appends every log entry it receives
// into an in-memory, ordered slice instead of (or in addition to) writing
// it anywhere else. One decisionCore is installed per in-flight posting by
// the interpretation coordinator; at the end of the posting its captured
// records become the InterpretationOutcome.DecisionLog.
type decisionCore struct {
	zapcore.LevelEnabler
	clock   Clock
	records *[]DecisionRecord
}

// newDecisionLogger returns a *zap.Logger scoped to one posting attempt,
// plus an accessor for the records it captures. The stage field is passed
// on each log call (zap.String("stage", ...)); fields attached through
// logger.With are dropped by decisionCore.With and never reach a record.
// Stages are logged in pipeline order so the decision journal reads as a
// narrative: policy selection, guard
// decisions, engine traces, role resolution, balance computation, sequence
// allocation, invariant checks, outcome recording — in that order.
func newDecisionLogger(clock Clock) (*zap.Logger, *[]DecisionRecord) {
	records := &[]DecisionRecord{}
	core := &decisionCore{
		LevelEnabler: zapcore.DebugLevel,
		clock:        clock,
		records:      records,
	}
	return zap.New(core), records
}

func (c *decisionCore) With(fields []zapcore.Field) zapcore.Core {
	return c
}

func (c *decisionCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *decisionCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	stage, _ := enc.Fields["stage"].(string)
	delete(enc.Fields, "stage")

	rec := DecisionRecord{
		Time:    c.clock.Now(),
		Level:   entry.Level.String(),
		Stage:   stage,
		Message: entry.Message,
	}
	if len(enc.Fields) > 0 {
		rec.Fields = enc.Fields
	}
	*c.records = append(*c.records, rec)
	return nil
}

func (c *decisionCore) Sync() error { return nil }

// sortedKeys is a small helper for callers that want deterministic
// field ordering when logging maps (decision-journal readers, including
// the auditors and LLM explainers spec §9 anticipates, benefit from
// stable key order).
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
