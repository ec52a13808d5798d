package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// RoleResolver turns a policy's semantic role reference ("accounts_receivable",
// "sales_tax_payable") into a concrete, active Account on a specific
// ledger as of a specific effective date (spec §4.11). Resolution is
// two-stage: the compiled pack's role bindings map role -> account code,
// then storage maps account code -> the Account record, so a resolver can
// reject a role bound to an account that has since been deactivated.
type RoleResolver struct {
	authority *PolicyAuthority
	storage   *Storage
}

// NewRoleResolver constructs a RoleResolver bound to authority and storage.
func NewRoleResolver(authority *PolicyAuthority, storage *Storage) *RoleResolver {
	if authority == nil {
		panic("ledger: RoleResolver requires a non-nil PolicyAuthority")
	}
	return &RoleResolver{authority: authority, storage: storage}
}

// Resolve resolves role on ledger at effectiveDate to its bound Account,
// inside the caller's transaction.
func (r *RoleResolver) Resolve(tx *bbolt.Tx, ledger, role string, effectiveDate time.Time) (Account, error) {
	pack := r.authority.Current()
	code, ambiguous, found := pack.resolveRole(ledger, role, effectiveDate)
	if ambiguous {
		return Account{}, NewKernelError(KindRoleAmbiguous,
			fmt.Sprintf("role %q has multiple overlapping bindings on ledger %q effective %s", role, ledger, effectiveDate)).
			WithContext(map[string]interface{}{"role": role, "ledger": ledger})
	}
	if !found {
		return Account{}, NewKernelError(KindRoleUnresolved,
			fmt.Sprintf("role %q has no binding on ledger %q effective %s", role, ledger, effectiveDate)).
			WithContext(map[string]interface{}{"role": role, "ledger": ledger})
	}

	account, found, err := findAccountByCode(tx, code)
	if err != nil {
		return Account{}, err
	}
	if !found {
		return Account{}, NewKernelError(KindRoleUnresolved,
			fmt.Sprintf("role %q resolved to account code %q, which does not exist", role, code)).
			WithContext(map[string]interface{}{"role": role, "account_code": code})
	}
	if !account.IsActive {
		return Account{}, NewKernelError(KindAccountInactive,
			fmt.Sprintf("role %q resolved to inactive account %q", role, code)).
			WithContext(map[string]interface{}{"role": role, "account_code": code})
	}
	return account, nil
}

// findAccountByCode scans bucketAccounts for an account with the given
// Code. The chart of accounts is small and changes rarely relative to
// posting volume, so a full-bucket scan inside the posting transaction is
// cheap enough; a deployment with a very large chart would add a
// code-to-ID secondary index bucket, maintained the same way
// bucketJournalEntriesByID already is for idempotency keys.
func findAccountByCode(tx *bbolt.Tx, code string) (Account, bool, error) {
	var found Account
	var ok bool
	err := forEach(tx, bucketAccounts, func(_, value []byte) error {
		if ok {
			return nil
		}
		var acc Account
		if err := json.Unmarshal(value, &acc); err != nil {
			return Wrap(KindMalformedPayload, "failed to unmarshal account record", err)
		}
		if acc.Code == code {
			found = acc
			ok = true
		}
		return nil
	})
	return found, ok, err
}
