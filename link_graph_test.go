package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func authorityWithLinkSpecs(specs ...LinkTypeSpec) *PolicyAuthority {
	pack := &CompiledPolicyPack{
		LinkTypeSpecs: map[LinkType]LinkTypeSpec{},
	}
	for _, s := range specs {
		pack.LinkTypeSpecs[s.Type] = s
	}
	return NewPolicyAuthority(pack, FixedClock{At: fixedNow})
}

func TestLinkGraphCreateAndRange(t *testing.T) {
	storage := newTestStorage(t)
	authority := authorityWithLinkSpecs(LinkTypeSpec{Type: LinkFulfilledBy})
	graph := NewLinkGraph(authority)
	clock := FixedClock{At: fixedNow}

	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		return graph.CreateLink(tx, clock, EconomicLink{
			LinkType: LinkFulfilledBy, ParentArtifactRef: "order-1", ChildArtifactRef: "shipment-1",
		})
	}))

	var links []EconomicLink
	require.NoError(t, storage.View(func(tx *bbolt.Tx) error {
		var err error
		links, err = graph.Range(tx, LinkFulfilledBy, "order-1")
		return err
	}))
	require.Len(t, links, 1)
	assert.Equal(t, "shipment-1", links[0].ChildArtifactRef)
}

func TestLinkGraphRejectsUndeclaredLinkType(t *testing.T) {
	storage := newTestStorage(t)
	authority := authorityWithLinkSpecs()
	graph := NewLinkGraph(authority)

	err := storage.Update(func(tx *bbolt.Tx) error {
		return graph.CreateLink(tx, FixedClock{At: fixedNow}, EconomicLink{
			LinkType: LinkFulfilledBy, ParentArtifactRef: "a", ChildArtifactRef: "b",
		})
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindLinkLegalityViolation))
}

func TestLinkGraphRejectsCycle(t *testing.T) {
	storage := newTestStorage(t)
	authority := authorityWithLinkSpecs(LinkTypeSpec{Type: LinkDerivedFrom})
	graph := NewLinkGraph(authority)
	clock := FixedClock{At: fixedNow}

	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		return graph.CreateLink(tx, clock, EconomicLink{LinkType: LinkDerivedFrom, ParentArtifactRef: "a", ChildArtifactRef: "b"})
	}))
	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		return graph.CreateLink(tx, clock, EconomicLink{LinkType: LinkDerivedFrom, ParentArtifactRef: "b", ChildArtifactRef: "c"})
	}))

	err := storage.Update(func(tx *bbolt.Tx) error {
		return graph.CreateLink(tx, clock, EconomicLink{LinkType: LinkDerivedFrom, ParentArtifactRef: "c", ChildArtifactRef: "a"})
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindLinkCycle))
}

func TestLinkGraphEnforcesMaxOutDegree(t *testing.T) {
	storage := newTestStorage(t)
	authority := authorityWithLinkSpecs(LinkTypeSpec{Type: LinkAllocatedTo, MaxOutDegree: 1})
	graph := NewLinkGraph(authority)
	clock := FixedClock{At: fixedNow}

	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		return graph.CreateLink(tx, clock, EconomicLink{LinkType: LinkAllocatedTo, ParentArtifactRef: "pool-1", ChildArtifactRef: "cc-1"})
	}))

	err := storage.Update(func(tx *bbolt.Tx) error {
		return graph.CreateLink(tx, clock, EconomicLink{LinkType: LinkAllocatedTo, ParentArtifactRef: "pool-1", ChildArtifactRef: "cc-2"})
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindMaxDegreeExceeded))
}

func TestLinkGraphRejectsSelfLoop(t *testing.T) {
	storage := newTestStorage(t)
	authority := authorityWithLinkSpecs(LinkTypeSpec{Type: LinkMatchedWith})
	graph := NewLinkGraph(authority)

	err := storage.Update(func(tx *bbolt.Tx) error {
		return graph.CreateLink(tx, FixedClock{At: fixedNow}, EconomicLink{
			LinkType: LinkMatchedWith, ParentArtifactRef: "x", ChildArtifactRef: "x",
		})
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindLinkCycle))
}
