package ledger

import (
	"encoding/json"
	"os"
	"sync"
)

// PolicyAuthority owns the single current CompiledPolicyPack and the
// compare-and-swap discipline around replacing it. The MeaningBuilder,
// EngineDispatcher and RoleResolver constructors each take a
// *PolicyAuthority, not a *CompiledPolicyPack, and panic when given nil,
// so none of them can be built through its constructor without an
// authority. The check happens at run time, not at compile time.
type PolicyAuthority struct {
	mu    sync.RWMutex
	pack  *CompiledPolicyPack
	clock Clock
}

// NewPolicyAuthority constructs an authority around an already-compiled
// pack.
func NewPolicyAuthority(pack *CompiledPolicyPack, clock Clock) *PolicyAuthority {
	now := clock.Now()
	pack.CompiledAt = now
	return &PolicyAuthority{pack: pack, clock: clock}
}

// LoadPolicyAuthorityFromFile reads a PolicyPackSource as JSON from path,
// compiles it, and wraps it in a PolicyAuthority — the on-disk
// counterpart of KERNEL_POLICY_PACK_PATH.
func LoadPolicyAuthorityFromFile(path string, clock Clock) (*PolicyAuthority, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(KindPolicyCompilationFailed, "failed to read policy pack file", err)
	}
	var src PolicyPackSource
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, Wrap(KindPolicyCompilationFailed, "failed to parse policy pack file", err)
	}
	pack, err := CompilePolicyPack(src)
	if err != nil {
		return nil, err
	}
	return NewPolicyAuthority(pack, clock), nil
}

// Current returns the presently active compiled pack. Every interpretation
// reads this once at the start of the posting attempt and carries that
// same pointer through to completion — a reload mid-attempt never causes
// one posting to observe two different packs (spec §4.17's "the pack in
// force is resolved once per posting attempt").
func (a *PolicyAuthority) Current() *CompiledPolicyPack {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pack
}

// Reload atomically swaps in a newly compiled pack. Already in-flight
// postings that captured the previous pack via Current are unaffected;
// only postings that call Current afterward observe the new one.
func (a *PolicyAuthority) Reload(src PolicyPackSource) error {
	pack, err := CompilePolicyPack(src)
	if err != nil {
		return err
	}
	pack.CompiledAt = a.clock.Now()
	a.mu.Lock()
	a.pack = pack
	a.mu.Unlock()
	return nil
}
