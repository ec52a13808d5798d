package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

// SubledgerTieOut reports whether a control account's posted balance
// agrees with the sum its subledger reports, adapted from the
// statement-balance-vs-book-balance comparison a reconciliation service
// used to run against bank statements — reframed here as a structural
// invariant check a policy can require before posting (spec §4.16),
// rather than an operator-triggered reconciliation report.
type SubledgerTieOut struct {
	ContractName string `json:"contract_name"`
	ControlBalance Money `json:"control_balance"`
	SubledgerTotal Money `json:"subledger_total"`
	Difference   Money   `json:"difference"`
	WithinTolerance bool `json:"within_tolerance"`
}

// SubledgerEngine computes a subledger's reported total for a control
// account, independent of the journal's own posted balance — e.g. summing
// open invoices for accounts receivable, or open bills for accounts
// payable. Implementations must not read JournalLine rows directly: the
// whole point of the control contract is comparing two independently
// derived totals.
type SubledgerEngine interface {
	Name() string
	Total(tx *bbolt.Tx, ledger string, asOf Money) (Money, error)
}

// SubledgerControl evaluates SubledgerControlContract entries from the
// compiled pack against the journal's control-account balance and a
// registered SubledgerEngine's independently computed total.
type SubledgerControl struct {
	authority    *PolicyAuthority
	roleResolver *RoleResolver
	engines      map[string]SubledgerEngine
}

// NewSubledgerControl constructs a SubledgerControl bound to authority and
// a RoleResolver, with engines registered by their own Name().
func NewSubledgerControl(authority *PolicyAuthority, resolver *RoleResolver, engines ...SubledgerEngine) *SubledgerControl {
	if authority == nil {
		panic("ledger: SubledgerControl requires a non-nil PolicyAuthority")
	}
	reg := make(map[string]SubledgerEngine, len(engines))
	for _, e := range engines {
		reg[e.Name()] = e
	}
	return &SubledgerControl{authority: authority, roleResolver: resolver, engines: reg}
}

// Check evaluates every control contract for ledger, returning the first
// tie-out that is out of tolerance as an error, or all tie-outs when every
// contract agrees.
func (c *SubledgerControl) Check(tx *bbolt.Tx, ledger string, controlBalances map[string]Money) ([]SubledgerTieOut, error) {
	pack := c.authority.Current()
	var results []SubledgerTieOut

	for _, contract := range pack.Controls {
		if contract.Ledger != ledger {
			continue
		}
		engine, ok := c.engines[contract.SubledgerEngine]
		if !ok {
			return nil, NewKernelError(KindSubledgerOutOfBalance,
				fmt.Sprintf("control %q references unregistered subledger engine %q", contract.ContractName, contract.SubledgerEngine))
		}
		controlBalance, ok := controlBalances[contract.ControlRole]
		if !ok {
			return nil, NewKernelError(KindSubledgerOutOfBalance,
				fmt.Sprintf("control %q: no control_balance supplied for role %q", contract.ContractName, contract.ControlRole))
		}

		total, err := engine.Total(tx, ledger, controlBalance)
		if err != nil {
			return nil, Wrap(KindEngineFailure, fmt.Sprintf("subledger engine %q failed", contract.SubledgerEngine), err)
		}

		diff, err := controlBalance.Sub(total)
		if err != nil {
			return nil, err
		}
		within := diff.Abs().Amount.LessThanOrEqual(contract.Tolerance.Amount)

		tieOut := SubledgerTieOut{
			ContractName:    contract.ContractName,
			ControlBalance:  controlBalance,
			SubledgerTotal:  total,
			Difference:      diff,
			WithinTolerance: within,
		}
		if !within {
			return append(results, tieOut), NewKernelError(KindSubledgerOutOfBalance,
				fmt.Sprintf("control %q is out of balance: control=%s subledger=%s diff=%s", contract.ContractName, controlBalance.Amount, total.Amount, diff.Amount)).
				WithContext(map[string]interface{}{"contract": contract.ContractName})
		}
		results = append(results, tieOut)
	}

	return results, nil
}

// CheckAutomaticForPost verifies every compiled subledger control
// contract on ledger that is flagged enforce_on_post (spec §4.15),
// computing both the control account's posted balance and the
// subledger's independently-reported total entirely from storage — no
// externally-supplied control balance required, unlike Check, which
// serves the operator-triggered, externally-fed reconciliation surface.
// Call this inside the same transaction a posting is written in, so a
// failing tie-out rolls the posting back.
func (c *SubledgerControl) CheckAutomaticForPost(tx *bbolt.Tx, ledger string, asOf time.Time) ([]SubledgerTieOut, error) {
	return c.checkAutomatic(tx, asOf, "post", func(contract SubledgerControlContract) bool {
		return contract.EnforceOnPost && contract.Ledger == ledger
	})
}

// CheckAutomaticForClose verifies every compiled subledger control
// contract flagged enforce_on_close (spec §4.16), across every ledger a
// contract names — fiscal periods are not themselves ledger-scoped, so
// closing one period closes it for every ledger the compiled pack's
// contracts cover.
func (c *SubledgerControl) CheckAutomaticForClose(tx *bbolt.Tx, asOf time.Time) ([]SubledgerTieOut, error) {
	return c.checkAutomatic(tx, asOf, "close", func(contract SubledgerControlContract) bool {
		return contract.EnforceOnClose
	})
}

func (c *SubledgerControl) checkAutomatic(tx *bbolt.Tx, asOf time.Time, phase string, include func(SubledgerControlContract) bool) ([]SubledgerTieOut, error) {
	pack := c.authority.Current()
	var results []SubledgerTieOut

	for _, contract := range pack.Controls {
		if !include(contract) {
			continue
		}

		account, err := c.roleResolver.Resolve(tx, contract.Ledger, contract.ControlRole, asOf)
		if err != nil {
			return nil, err
		}
		controlBalance, err := postedAccountBalance(tx, account, contract.Tolerance.Currency)
		if err != nil {
			return nil, err
		}

		engine, ok := c.engines[contract.SubledgerEngine]
		if !ok {
			return nil, NewKernelError(KindSubledgerOutOfBalance,
				fmt.Sprintf("control %q references unregistered subledger engine %q", contract.ContractName, contract.SubledgerEngine))
		}
		total, err := engine.Total(tx, contract.Ledger, controlBalance)
		if err != nil {
			return nil, Wrap(KindEngineFailure, fmt.Sprintf("subledger engine %q failed", contract.SubledgerEngine), err)
		}

		diff, err := controlBalance.Sub(total)
		if err != nil {
			return nil, err
		}
		within := diff.Abs().Amount.LessThanOrEqual(contract.Tolerance.Amount)

		tieOut := SubledgerTieOut{
			ContractName:    contract.ContractName,
			ControlBalance:  controlBalance,
			SubledgerTotal:  total,
			Difference:      diff,
			WithinTolerance: within,
		}
		if !within {
			return append(results, tieOut), NewKernelError(KindSubledgerOutOfBalance,
				fmt.Sprintf("control %q is out of balance at %s: control=%s subledger=%s diff=%s", contract.ContractName, phase, controlBalance.Amount, total.Amount, diff.Amount)).
				WithContext(map[string]interface{}{"contract": contract.ContractName, "phase": phase})
		}
		results = append(results, tieOut)
	}

	return results, nil
}

// postedAccountBalance sums every posted JournalLine against account,
// signed by whether the line's side agrees with the account's normal
// balance, giving the same running balance a trial balance would report.
func postedAccountBalance(tx *bbolt.Tx, account Account, currency CurrencyCode) (Money, error) {
	if currency == "" {
		currency = account.Currency
	}
	total := decimal.Zero
	err := forEach(tx, bucketJournalLines, func(_, value []byte) error {
		var line JournalLine
		if err := unmarshalJSONBytes(value, &line); err != nil {
			return err
		}
		if line.AccountID != account.ID {
			return nil
		}
		if line.Side == account.NormalBalance {
			total = total.Add(line.Amount.Amount)
		} else {
			total = total.Sub(line.Amount.Amount)
		}
		return nil
	})
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: total, Currency: currency}.Normalize()
}
