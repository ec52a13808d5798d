package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalPackSource() PolicyPackSource {
	effFrom := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return PolicyPackSource{
		COAVersion: "coa-1",
		RoleBindings: []RoleBinding{
			{Role: "cash", Ledger: "GL", AccountCode: "1000", EffectiveFrom: effFrom},
			{Role: "revenue", Ledger: "GL", AccountCode: "4000", EffectiveFrom: effFrom},
		},
		Policies: []RawPolicy{
			{
				Name:          "sale-recognized",
				Version:       "v1",
				EventType:     "sale.recognized",
				Priority:      10,
				EffectiveFrom: effFrom,
				Ledger:        "GL",
				LedgerEffects: []LedgerEffect{
					{Role: "cash", Side: Debit, AmountFromContext: "payload.amount"},
					{Role: "revenue", Side: Credit, AmountFromContext: "payload.amount"},
				},
			},
		},
	}
}

func TestCompilePolicyPackSucceeds(t *testing.T) {
	pack, err := CompilePolicyPack(minimalPackSource())
	require.NoError(t, err)
	assert.NotEmpty(t, pack.Fingerprint)
	assert.Len(t, pack.policiesFor("sale.recognized"), 1)
}

func TestCompilePolicyPackFingerprintStableAcrossReorder(t *testing.T) {
	src := minimalPackSource()
	packA, err := CompilePolicyPack(src)
	require.NoError(t, err)

	reordered := src
	reordered.RoleBindings = []RoleBinding{src.RoleBindings[1], src.RoleBindings[0]}
	packB, err := CompilePolicyPack(reordered)
	require.NoError(t, err)

	assert.Equal(t, packA.Fingerprint, packB.Fingerprint)
}

func TestCompilePolicyPackRejectsMissingName(t *testing.T) {
	src := minimalPackSource()
	src.Policies[0].Name = ""
	_, err := CompilePolicyPack(src)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindPolicyCompilationFailed))
}

func TestCompilePolicyPackRejectsUnboundRole(t *testing.T) {
	src := minimalPackSource()
	src.Policies[0].LedgerEffects = append(src.Policies[0].LedgerEffects, LedgerEffect{
		Role: "tax_payable", Side: Credit, AmountFromContext: "payload.tax",
	})
	_, err := CompilePolicyPack(src)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRoleUnresolved))
}

func TestCompilePolicyPackRejectsInvalidGuardExpression(t *testing.T) {
	src := minimalPackSource()
	src.Policies[0].Guards = []GuardSpec{
		{Name: "bad", Expr: GuardExpr{Source: "payload.amount >"}, OnFailKind: KindGuardRejected},
	}
	_, err := CompilePolicyPack(src)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindPolicyCompilationFailed))
}

func TestCompilePolicyPackRejectsBadOnFailKind(t *testing.T) {
	src := minimalPackSource()
	src.Policies[0].Guards = []GuardSpec{
		{Name: "bad", Expr: GuardExpr{Source: "payload.amount > 0"}, OnFailKind: KindEngineFailure},
	}
	_, err := CompilePolicyPack(src)
	require.Error(t, err)
}

func TestCompilePolicyPackRejectsAmbiguousDispatch(t *testing.T) {
	src := minimalPackSource()
	dup := src.Policies[0]
	dup.Name = "sale-recognized-duplicate"
	src.Policies = append(src.Policies, dup)

	_, err := CompilePolicyPack(src)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAmbiguousPolicy))
}

func TestCompilePolicyPackRejectsUndeclaredLinkType(t *testing.T) {
	src := minimalPackSource()
	src.Policies[0].CreatesLinks = []LinkDeclaration{
		{LinkType: LinkFulfilledBy, ParentRefFromContext: "payload.order_id", ChildRefFromContext: "event.event_id"},
	}
	_, err := CompilePolicyPack(src)
	require.Error(t, err)
}

func TestCompilePolicyPackRejectsUnregisteredEngineParametersRef(t *testing.T) {
	src := minimalPackSource()
	src.Policies[0].RequiredEngines = []EngineRequirement{
		{EngineName: "tax", ParametersRef: "missing"},
	}
	_, err := CompilePolicyPack(src)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindPolicyCompilationFailed))
}
