package ledger

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// PeriodAuthority enforces fiscal period boundaries: a posting whose
// effective date falls in a CLOSED period is refused unless the period
// was closed with AllowsAdjustments set and the posting is itself
// flagged as an adjustment — and even then, per the resolved design
// decision recorded in DESIGN.md, an adjustment always re-resolves
// against the *current* compiled policy pack and a freshly taken
// reference snapshot, never the pack/snapshot in force when the period
// was open (spec §9 open question).
type PeriodAuthority struct {
	storage          *Storage
	clock            Clock
	subledgerControl *SubledgerControl
}

// NewPeriodAuthority constructs a PeriodAuthority bound to storage and clock.
func NewPeriodAuthority(storage *Storage, clock Clock) *PeriodAuthority {
	return &PeriodAuthority{storage: storage, clock: clock}
}

// SetSubledgerControl wires automatic enforce_on_close checking (spec
// §4.16) into ClosePeriod. Left unset, a close never runs an automatic
// tie-out check.
func (a *PeriodAuthority) SetSubledgerControl(c *SubledgerControl) {
	a.subledgerControl = c
}

// CreatePeriod persists a new OPEN fiscal period. Periods must not overlap
// an existing period.
func (a *PeriodAuthority) CreatePeriod(period FiscalPeriod) error {
	return a.storage.Update(func(tx *bbolt.Tx) error {
		var overlap bool
		if err := forEach(tx, bucketPeriods, func(_, value []byte) error {
			var existing FiscalPeriod
			if err := unmarshalJSONBytes(value, &existing); err != nil {
				return err
			}
			if period.StartDate.After(existing.EndDate) || period.EndDate.Before(existing.StartDate) {
				return nil
			}
			overlap = true
			return nil
		}); err != nil {
			return err
		}
		if overlap {
			return NewKernelError(KindPeriodClosed, fmt.Sprintf("period %q overlaps an existing period", period.PeriodCode))
		}
		period.Status = PeriodOpen
		return putJSON(tx, bucketPeriods, []byte(period.PeriodCode), period)
	})
}

// periodFor finds the fiscal period containing t, inside tx.
func periodFor(tx *bbolt.Tx, t time.Time) (FiscalPeriod, bool, error) {
	var found FiscalPeriod
	var ok bool
	err := forEach(tx, bucketPeriods, func(_, value []byte) error {
		if ok {
			return nil
		}
		var p FiscalPeriod
		if err := unmarshalJSONBytes(value, &p); err != nil {
			return err
		}
		if p.Contains(t) {
			found = p
			ok = true
		}
		return nil
	})
	return found, ok, err
}

// CheckPostable verifies that a posting with the given effective date and
// adjustment flag may proceed, inside the caller's transaction.
func (a *PeriodAuthority) CheckPostable(tx *bbolt.Tx, effectiveDate time.Time, isAdjustment bool) (FiscalPeriod, error) {
	period, found, err := periodFor(tx, effectiveDate)
	if err != nil {
		return FiscalPeriod{}, err
	}
	if !found {
		return FiscalPeriod{}, NewKernelError(KindPeriodClosed,
			fmt.Sprintf("no fiscal period covers effective date %s", effectiveDate)).
			WithContext(map[string]interface{}{"effective_date": effectiveDate})
	}
	if period.Status == PeriodOpen {
		return period, nil
	}
	if !isAdjustment || !period.AllowsAdjustments {
		return FiscalPeriod{}, NewKernelError(KindPeriodClosed,
			fmt.Sprintf("period %q is closed", period.PeriodCode)).
			WithContext(map[string]interface{}{"period_code": period.PeriodCode})
	}
	return period, nil
}

// ClosePeriod transitions a period from OPEN to CLOSED. Once closed a
// period's Status/AllowsAdjustments/ClosedAt fields are protected: closing
// an already-closed period is refused rather than silently re-applied.
func (a *PeriodAuthority) ClosePeriod(periodCode string, allowsAdjustments bool) (FiscalPeriod, error) {
	var closed FiscalPeriod
	err := a.storage.Update(func(tx *bbolt.Tx) error {
		var period FiscalPeriod
		found, err := getJSON(tx, bucketPeriods, []byte(periodCode), &period)
		if err != nil {
			return err
		}
		if !found {
			return NewKernelError(KindPeriodClosed, fmt.Sprintf("period %q does not exist", periodCode))
		}
		if period.Status == PeriodClosed {
			return NewKernelError(KindImmutabilityViolation, fmt.Sprintf("period %q is already closed", periodCode))
		}
		if a.subledgerControl != nil {
			if _, err := a.subledgerControl.CheckAutomaticForClose(tx, period.EndDate); err != nil {
				return err
			}
		}
		now := a.clock.Now()
		period.Status = PeriodClosed
		period.AllowsAdjustments = allowsAdjustments
		period.ClosedAt = &now
		if err := putProtectedOnce(tx, bucketPeriods, []byte(periodCode),
			func(existing []byte) bool {
				var e FiscalPeriod
				_ = unmarshalJSONBytes(existing, &e)
				return e.Status == PeriodClosed
			}, period); err != nil {
			return err
		}
		closed = period
		return nil
	})
	return closed, err
}
