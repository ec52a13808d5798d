package ledger

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// LinkGraph maintains the economic-link edges between artifacts: typed,
// directed, append-only, with per-link-type degree limits and cycle
// detection (spec §4.14). Every write runs inside the caller's
// transaction so a link created as a side effect of posting is atomic
// with the posting itself.
type LinkGraph struct {
	authority *PolicyAuthority
}

// NewLinkGraph constructs a LinkGraph bound to authority, which supplies
// the LinkTypeSpec table (max degree, allowed artifact types) for every
// link type the compiled pack declares.
func NewLinkGraph(authority *PolicyAuthority) *LinkGraph {
	if authority == nil {
		panic("ledger: LinkGraph requires a non-nil PolicyAuthority")
	}
	return &LinkGraph{authority: authority}
}

func linkKey(linkType LinkType, parent, child string) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s", linkType, parent, child))
}

// CreateLink inserts a new economic link, checking the link type's degree
// limits and verifying the new edge does not close a cycle among edges of
// the same link type.
func (g *LinkGraph) CreateLink(tx *bbolt.Tx, clock Clock, link EconomicLink) error {
	spec, ok := g.authority.Current().LinkTypeSpecs[link.LinkType]
	if !ok {
		return NewKernelError(KindLinkLegalityViolation, fmt.Sprintf("link type %q is not declared in the compiled pack", link.LinkType))
	}
	if spec.ParentArtifactType != "" && link.ParentArtifactType != spec.ParentArtifactType {
		return NewKernelError(KindLinkLegalityViolation,
			fmt.Sprintf("link type %q requires parent artifact type %q, got %q", link.LinkType, spec.ParentArtifactType, link.ParentArtifactType))
	}
	if spec.ChildArtifactType != "" && link.ChildArtifactType != spec.ChildArtifactType {
		return NewKernelError(KindLinkLegalityViolation,
			fmt.Sprintf("link type %q requires child artifact type %q, got %q", link.LinkType, spec.ChildArtifactType, link.ChildArtifactType))
	}

	edges, err := g.edgesOfType(tx, link.LinkType)
	if err != nil {
		return err
	}

	if spec.MaxOutDegree > 0 {
		out := 0
		for _, e := range edges {
			if e.ParentArtifactRef == link.ParentArtifactRef {
				out++
			}
		}
		if out >= spec.MaxOutDegree {
			return NewKernelError(KindMaxDegreeExceeded,
				fmt.Sprintf("artifact %q already has %d outgoing %s links (max %d)", link.ParentArtifactRef, out, link.LinkType, spec.MaxOutDegree))
		}
	}
	if spec.MaxInDegree > 0 {
		in := 0
		for _, e := range edges {
			if e.ChildArtifactRef == link.ChildArtifactRef {
				in++
			}
		}
		if in >= spec.MaxInDegree {
			return NewKernelError(KindMaxDegreeExceeded,
				fmt.Sprintf("artifact %q already has %d incoming %s links (max %d)", link.ChildArtifactRef, in, link.LinkType, spec.MaxInDegree))
		}
	}

	if wouldCycle(edges, link.ParentArtifactRef, link.ChildArtifactRef) {
		return NewKernelError(KindLinkCycle,
			fmt.Sprintf("adding %s link %s -> %s would create a cycle", link.LinkType, link.ParentArtifactRef, link.ChildArtifactRef))
	}

	link.CreatedAt = clock.Now()
	key := linkKey(link.LinkType, link.ParentArtifactRef, link.ChildArtifactRef)
	return putProtectedOnce(tx, bucketEconomicLinks, key, func([]byte) bool { return true }, link)
}

func (g *LinkGraph) edgesOfType(tx *bbolt.Tx, linkType LinkType) ([]EconomicLink, error) {
	var edges []EconomicLink
	err := forEach(tx, bucketEconomicLinks, func(_, value []byte) error {
		var e EconomicLink
		if err := unmarshalJSONBytes(value, &e); err != nil {
			return err
		}
		if e.LinkType == linkType {
			edges = append(edges, e)
		}
		return nil
	})
	return edges, err
}

// wouldCycle reports whether adding edge parent->child to edges (all of
// the same link type) would create a cycle, via depth-first search from
// child back to parent: a cycle exists exactly when child can already
// reach parent through the existing edges.
func wouldCycle(edges []EconomicLink, parent, child string) bool {
	if parent == child {
		return true
	}
	adjacency := map[string][]string{}
	for _, e := range edges {
		adjacency[e.ParentArtifactRef] = append(adjacency[e.ParentArtifactRef], e.ChildArtifactRef)
	}

	visited := map[string]bool{}
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == parent {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, next := range adjacency[node] {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(child)
}

// Range returns every link of the given type touching artifactRef as
// either parent or child.
func (g *LinkGraph) Range(tx *bbolt.Tx, linkType LinkType, artifactRef string) ([]EconomicLink, error) {
	edges, err := g.edgesOfType(tx, linkType)
	if err != nil {
		return nil, err
	}
	var out []EconomicLink
	for _, e := range edges {
		if e.ParentArtifactRef == artifactRef || e.ChildArtifactRef == artifactRef {
			out = append(out, e)
		}
	}
	return out, nil
}
