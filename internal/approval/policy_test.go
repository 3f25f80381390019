package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerchecker/internal/common"
	"makerchecker/internal/identity"
)

func TestValidateRuleCollectsDetails(t *testing.T) {
	rule := &ApprovalRule{
		Activity: ModuleWideActivity,
		Module:   "ROLE",
		Global:   false,
		Body: PolicyBody{
			ApprovalFlowType:     "PARALLEL",
			ApprovalBasedType:    BasedOnRole,
			Approvers:            []string{"a", "a"},
			MinApprovalsRequired: 1,
		},
	}
	err := ValidateRule(rule)
	require.Error(t, err)

	be, ok := common.AsBusinessError(err)
	require.True(t, ok)
	assert.Equal(t, common.KindValidation, be.Kind)
	assert.Contains(t, be.Details, "module-wide default rule (activity *) must be global")
	assert.Contains(t, be.Details, "approvalFlowType must be one of [SINGLE MULTI]")
	assert.Contains(t, be.Details, "approvers must not contain duplicates")
}

func TestValidateRuleMultiBounds(t *testing.T) {
	rule := &ApprovalRule{
		Activity: "edit",
		Module:   "ROLE",
		Body: PolicyBody{
			ApprovalFlowType:     FlowMulti,
			ApprovalBasedType:    BasedOnUser,
			Approvers:            []string{"carol", "dave"},
			MinApprovalsRequired: 3,
		},
	}
	err := ValidateRule(rule)
	require.Error(t, err)
	be, _ := common.AsBusinessError(err)
	assert.Contains(t, be.Details, "minApprovalsRequired must be between 1 and 2")

	rule.Body.MinApprovalsRequired = 2
	rule.Body.SequentialApproval = true
	assert.NoError(t, ValidateRule(rule))
}

func TestValidateRuleThresholdBounds(t *testing.T) {
	rule := &ApprovalRule{
		Activity:                      "create",
		Module:                        "PAYOUT",
		SupportThresholdConfiguration: true,
		Body:                          singleRolePolicy("payout-checker"),
	}
	err := ValidateRule(rule)
	require.Error(t, err)

	rule.Body = tier(500, 100, "payout-checker")
	be, _ := common.AsBusinessError(ValidateRule(rule))
	require.NotNil(t, be)
	assert.Contains(t, be.Details, "lowerBoundInMinor must not exceed upperBoundInMinor")

	rule.Body = tier(0, 100, "payout-checker")
	assert.NoError(t, ValidateRule(rule))

	rule.SupportThresholdConfiguration = false
	assert.Error(t, ValidateRule(rule))
}

func TestPolicyRequiredApprovals(t *testing.T) {
	assert.Equal(t, 1, Policy{ApprovalFlowType: FlowSingle, Approvers: []string{"r"}}.RequiredApprovals())
	assert.Equal(t, 2, Policy{ApprovalFlowType: FlowMulti, Approvers: []string{"a", "b", "c"}, MinApprovalsRequired: 2}.RequiredApprovals())
	assert.Equal(t, 0, Policy{ApprovalFlowType: FlowSingle}.RequiredApprovals())
}

func TestPolicyIdentityChecks(t *testing.T) {
	byRole := Policy{ApprovalBasedType: BasedOnRole, Approvers: []string{"approve-delete-backoffice-role"}, InitiatorRoles: []string{"role-maker"}}
	checker := identity.Actor{Username: "alice", Roles: []string{"approve-delete-backoffice-role"}}
	maker := identity.Actor{Username: "bob", Roles: []string{"role-maker"}}

	assert.True(t, byRole.CanApprove(checker))
	assert.False(t, byRole.CanApprove(maker))
	assert.True(t, byRole.CanInitiate(maker))
	assert.False(t, byRole.CanInitiate(checker))

	byUser := Policy{ApprovalBasedType: BasedOnUser, Approvers: []string{"alice"}}
	assert.True(t, byUser.CanApprove(checker))
	assert.True(t, byUser.CanInitiate(checker))
}

func TestPolicyFromRuleCopiesSlices(t *testing.T) {
	rule := &ApprovalRule{ID: 3, Activity: "edit", Module: "ROLE", Body: singleRolePolicy("checker")}
	p := PolicyFromRule(rule)
	rule.Body.Approvers[0] = "changed"
	assert.Equal(t, []string{"checker"}, p.Approvers)
	assert.Equal(t, uint64(3), p.RuleID)
}
