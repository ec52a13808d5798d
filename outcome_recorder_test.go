package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func TestOutcomeRecorderFirstTransitionMustBePending(t *testing.T) {
	storage := newTestStorage(t)
	recorder := NewOutcomeRecorder(FixedClock{At: fixedNow})

	err := storage.Update(func(tx *bbolt.Tx) error {
		_, err := recorder.Transition(tx, "evt-1", OutcomePosted, nil)
		return err
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindImmutabilityViolation))
}

func TestOutcomeRecorderFollowsLegalPath(t *testing.T) {
	storage := newTestStorage(t)
	recorder := NewOutcomeRecorder(FixedClock{At: fixedNow})

	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		_, err := recorder.Transition(tx, "evt-1", OutcomePending, nil)
		return err
	}))
	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		_, err := recorder.Transition(tx, "evt-1", OutcomeFailed, func(o *InterpretationOutcome) {
			o.FailureMessage = "engine timeout"
		})
		return err
	}))

	var out InterpretationOutcome
	require.NoError(t, storage.View(func(tx *bbolt.Tx) error {
		var ok bool
		var err error
		out, ok, err = getOutcome(tx, "evt-1")
		require.True(t, ok)
		return err
	}))
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, "engine timeout", out.FailureMessage)
}

func TestOutcomeRecorderRejectsIllegalTransition(t *testing.T) {
	storage := newTestStorage(t)
	recorder := NewOutcomeRecorder(FixedClock{At: fixedNow})

	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		_, err := recorder.Transition(tx, "evt-1", OutcomePending, nil)
		return err
	}))

	err := storage.Update(func(tx *bbolt.Tx) error {
		_, err := recorder.Transition(tx, "evt-1", OutcomeRetrying, nil)
		return err
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindImmutabilityViolation))
}

func TestOutcomeRecorderRefusesTransitionFromTerminalState(t *testing.T) {
	storage := newTestStorage(t)
	recorder := NewOutcomeRecorder(FixedClock{At: fixedNow})

	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		_, err := recorder.Transition(tx, "evt-1", OutcomePending, nil)
		return err
	}))
	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		_, err := recorder.Transition(tx, "evt-1", OutcomeRejected, nil)
		return err
	}))

	err := storage.Update(func(tx *bbolt.Tx) error {
		_, err := recorder.Transition(tx, "evt-1", OutcomeFailed, nil)
		return err
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindImmutabilityViolation))
}

func TestListWorkQueueFiltersByStatusAndPaginates(t *testing.T) {
	storage := newTestStorage(t)
	recorder := NewOutcomeRecorder(FixedClock{At: fixedNow})

	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		for i := 0; i < 3; i++ {
			id := string(rune('a' + i))
			if _, err := recorder.Transition(tx, "evt-failed-"+id, OutcomePending, nil); err != nil {
				return err
			}
			if _, err := recorder.Transition(tx, "evt-failed-"+id, OutcomeFailed, func(o *InterpretationOutcome) {
				o.FailureType = FailureEngine
			}); err != nil {
				return err
			}
		}
		if _, err := recorder.Transition(tx, "evt-posted", OutcomePending, nil); err != nil {
			return err
		}
		_, err := recorder.Transition(tx, "evt-posted", OutcomePosted, nil)
		return err
	}))

	var result WorkQueueResult
	require.NoError(t, storage.View(func(tx *bbolt.Tx) error {
		var err error
		result, err = ListWorkQueue(tx, WorkQueueFilter{Status: []OutcomeStatus{OutcomeFailed}, Page: 1, PageSize: 2})
		return err
	}))
	assert.Equal(t, 3, result.TotalCount)
	assert.Len(t, result.Outcomes, 2)

	require.NoError(t, storage.View(func(tx *bbolt.Tx) error {
		var err error
		result, err = ListWorkQueue(tx, WorkQueueFilter{Status: []OutcomeStatus{OutcomeFailed}, Page: 2, PageSize: 2})
		return err
	}))
	assert.Len(t, result.Outcomes, 1)
}
