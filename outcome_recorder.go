package ledger

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// OutcomeRecorder owns the InterpretationOutcome state machine: one row
// per source event, every transition checked against validTransition
// before being written, terminal states refused any further transition
// (spec §4.17/§3).
type OutcomeRecorder struct {
	clock Clock
}

// NewOutcomeRecorder constructs an OutcomeRecorder bound to clock.
func NewOutcomeRecorder(clock Clock) *OutcomeRecorder {
	return &OutcomeRecorder{clock: clock}
}

// getOutcome reads the current outcome for sourceEventID, if any.
func getOutcome(tx *bbolt.Tx, sourceEventID string) (InterpretationOutcome, bool, error) {
	var out InterpretationOutcome
	ok, err := getJSON(tx, bucketOutcomes, []byte(sourceEventID), &out)
	return out, ok, err
}

// Transition moves the outcome for sourceEventID from its current status
// to next, applying mutate to the loaded (or zero-value, for a first
// transition) outcome before validating and persisting. A transition into
// a status not reachable from the current one returns
// KindImmutabilityViolation rather than silently clamping.
func (r *OutcomeRecorder) Transition(tx *bbolt.Tx, sourceEventID string, next OutcomeStatus, mutate func(*InterpretationOutcome)) (InterpretationOutcome, error) {
	current, found, err := getOutcome(tx, sourceEventID)
	if err != nil {
		return InterpretationOutcome{}, err
	}
	from := OutcomeStatus("")
	if found {
		from = current.Status
		if IsTerminal(from) {
			return InterpretationOutcome{}, NewKernelError(KindImmutabilityViolation,
				fmt.Sprintf("outcome for event %q is already terminal (%s)", sourceEventID, from))
		}
	}
	if !validTransition(from, next) {
		return InterpretationOutcome{}, NewKernelError(KindImmutabilityViolation,
			fmt.Sprintf("illegal outcome transition for event %q: %s -> %s", sourceEventID, from, next))
	}

	current.SourceEventID = sourceEventID
	current.Status = next
	current.UpdatedAt = r.clock.Now()
	if mutate != nil {
		mutate(&current)
	}
	current.Status = next // mutate must not override the validated target status

	if err := putJSON(tx, bucketOutcomes, []byte(sourceEventID), current); err != nil {
		return InterpretationOutcome{}, err
	}
	return current, nil
}

// WorkQueueFilter selects outcomes for the operator-facing retry/abandon
// surface, adapted from the paginated query-filter idiom a query service
// used for transaction search.
type WorkQueueFilter struct {
	Status      []OutcomeStatus
	FailureType FailureType
	Page        int
	PageSize    int
}

// WorkQueueResult is a page of matching outcomes.
type WorkQueueResult struct {
	Outcomes   []InterpretationOutcome
	TotalCount int
	Page       int
	PageSize   int
}

// ListWorkQueue returns outcomes matching filter, inside the caller's
// transaction.
func ListWorkQueue(tx *bbolt.Tx, filter WorkQueueFilter) (WorkQueueResult, error) {
	statusSet := map[OutcomeStatus]bool{}
	for _, s := range filter.Status {
		statusSet[s] = true
	}

	var matched []InterpretationOutcome
	err := forEach(tx, bucketOutcomes, func(_, value []byte) error {
		var out InterpretationOutcome
		if err := unmarshalJSONBytes(value, &out); err != nil {
			return err
		}
		if len(statusSet) > 0 && !statusSet[out.Status] {
			return nil
		}
		if filter.FailureType != "" && out.FailureType != filter.FailureType {
			return nil
		}
		matched = append(matched, out)
		return nil
	})
	if err != nil {
		return WorkQueueResult{}, err
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	total := len(matched)
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return WorkQueueResult{
		Outcomes:   matched[start:end],
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}
