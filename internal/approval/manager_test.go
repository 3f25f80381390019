package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerchecker/internal/audit"
	"makerchecker/internal/common"
	"makerchecker/internal/identity"
	"makerchecker/internal/operation"
)

var (
	maker   = identity.Actor{Username: "bob", Name: "Bob", Email: "bob@example.com", Roles: []string{"role-maker"}}
	alice   = identity.Actor{Username: "alice", Email: "alice@example.com", Roles: []string{"approve-delete-backoffice-role", "checker-l1"}}
	carol   = identity.Actor{Username: "carol", Email: "carol@example.com", Roles: []string{"approve-delete-backoffice-role", "checker-l2"}}
	dave    = identity.Actor{Username: "dave", Roles: []string{"checker-l3"}}
	outside = identity.Actor{Username: "mallory", Roles: []string{"viewer"}}
)

func TestDeclineIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, RuleInput{Activity: "delete", Module: "ROLE", Global: true, Policy: singleRolePolicy("approve-delete-backoffice-role")})
	req := env.submit(t, maker, operation.KeyDeleteRole, "delete", "ROLE", nil)
	assert.Equal(t, StatusNotTreated, req.Status)

	res, err := env.manager.Decline(ctx, decline(req.ID, alice, "bad data"))
	require.NoError(t, err)
	assert.Equal(t, string(StatusDeclined), res.Status)

	stored, err := env.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, stored.Status)
	require.NotNil(t, stored.ApprovalUsername)
	assert.Equal(t, "alice", *stored.ApprovalUsername)
	assert.False(t, stored.Approved)
	assert.NotNil(t, stored.ApprovedDate)

	_, err = env.manager.Decline(ctx, decline(req.ID, carol, "again"))
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindInvalidState))
	assert.Contains(t, err.Error(), "request already treated")

	_, err = env.manager.Approve(ctx, approve(req.ID, carol))
	assert.True(t, common.IsKind(err, common.KindInvalidState))

	after, err := env.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, after)
	assert.Zero(t, env.executor.callCount())
}

func TestSingleApprovalExecutesImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, RuleInput{Activity: "delete", Module: "ROLE", Global: true, Policy: singleRolePolicy("approve-delete-backoffice-role")})
	req := env.submit(t, maker, operation.KeyDeleteRole, "delete", "ROLE", nil)
	events, cancel := env.bus.Subscribe(req.ID)
	defer cancel()

	_, err := env.manager.Approve(ctx, approve(req.ID, outside))
	assert.True(t, common.IsKind(err, common.KindForbidden))

	res, err := env.manager.Approve(ctx, approve(req.ID, alice))
	require.NoError(t, err)
	assert.Equal(t, string(StatusExecuted), res.Status)
	assert.Equal(t, "request approved and executed", res.Message)
	assert.Equal(t, 1, env.executor.callCount())

	stored, err := env.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, stored.Status)
	assert.True(t, stored.Approved)
	assert.Equal(t, 1, stored.NextApprovalIndex)
	assert.NotNil(t, stored.ExecutedAt)
	assert.Empty(t, stored.ErrorTrace)

	evt := <-events
	assert.Equal(t, EventExecuted, evt.Type)

	_, err = env.manager.Approve(ctx, approve(req.ID, carol))
	assert.True(t, common.IsKind(err, common.KindInvalidState))
	assert.Equal(t, 1, env.executor.callCount())

	trail, err := env.manager.AuditTrail(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, audit.ActionSubmitted, trail[0].Action)
	assert.Equal(t, audit.ActionExecuted, trail[1].Action)
	assert.Equal(t, "alice", trail[1].Username)
	assert.Equal(t, "approve-delete-backoffice-role", trail[1].Role)
	assert.JSONEq(t, `{"status":"NOT_TREATED","approved":false,"nextApprovalIndex":0,"executed":false}`, string(trail[1].Before))
}

func TestMakerCannotTreatOwnRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, RuleInput{Activity: "delete", Module: "ROLE", Global: true, Policy: singleRolePolicy("approve-delete-backoffice-role")})
	selfChecker := identity.Actor{Username: "alice", Roles: alice.Roles}
	req := env.submit(t, selfChecker, operation.KeyDeleteRole, "delete", "ROLE", nil)

	_, err := env.manager.Approve(ctx, approve(req.ID, alice))
	assert.True(t, common.IsKind(err, common.KindForbidden))
	_, err = env.manager.Decline(ctx, decline(req.ID, alice, "no"))
	assert.True(t, common.IsKind(err, common.KindForbidden))
}

func multiRule(sequential bool, min int) RuleInput {
	return RuleInput{
		Activity: "edit",
		Module:   "ROLE",
		Global:   true,
		Policy: PolicyBody{
			ApprovalFlowType:     FlowMulti,
			ApprovalBasedType:    BasedOnRole,
			Approvers:            []string{"checker-l1", "checker-l2", "checker-l3"},
			MinApprovalsRequired: min,
			SequentialApproval:   sequential,
		},
	}
}

func TestMultiSequentialChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, multiRule(true, 3))
	req := env.submit(t, maker, operation.KeyUpdateRole, "edit", "ROLE", nil)
	require.True(t, req.RequiresWorkFlow)
	require.Len(t, req.Flows, 3)

	_, err := env.manager.Approve(ctx, approve(req.ID, carol))
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindInvalidState))

	res, err := env.manager.Approve(ctx, approve(req.ID, alice))
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), res.Status)

	_, err = env.manager.Approve(ctx, approve(req.ID, alice))
	assert.True(t, common.IsKind(err, common.KindForbidden))

	stored, err := env.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.NextApprovalIndex)
	assert.Equal(t, FlowApproved, stored.Flows[0].Status)
	assert.Equal(t, "alice", stored.Flows[0].ActedBy)
	assert.Equal(t, FlowPending, stored.Flows[1].Status)

	res, err = env.manager.Approve(ctx, approve(req.ID, carol))
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), res.Status)
	assert.Zero(t, env.executor.callCount())

	res, err = env.manager.Approve(ctx, approve(req.ID, dave))
	require.NoError(t, err)
	assert.Equal(t, string(StatusExecuted), res.Status)

	stored, err = env.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.NextApprovalIndex)
	assert.LessOrEqual(t, stored.NextApprovalIndex, stored.ChainLength())
	assert.Equal(t, 3, countFlows(stored.Flows, FlowApproved))
	assert.Equal(t, 1, env.executor.callCount())
}

func TestMultiMinApprovalsAnyOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, multiRule(false, 2))
	req := env.submit(t, maker, operation.KeyUpdateRole, "edit", "ROLE", nil)

	res, err := env.manager.Approve(ctx, approve(req.ID, dave))
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), res.Status)

	res, err = env.manager.Approve(ctx, approve(req.ID, alice))
	require.NoError(t, err)
	assert.Equal(t, string(StatusExecuted), res.Status)

	stored, err := env.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.NextApprovalIndex)
	assert.Equal(t, FlowPending, stored.Flows[1].Status)
}

func TestDeclineMidChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, multiRule(true, 3))
	req := env.submit(t, maker, operation.KeyUpdateRole, "edit", "ROLE", nil)

	_, err := env.manager.Approve(ctx, approve(req.ID, alice))
	require.NoError(t, err)

	res, err := env.manager.Decline(ctx, decline(req.ID, carol, "scope too wide"))
	require.NoError(t, err)
	assert.Equal(t, string(StatusDeclined), res.Status)

	stored, err := env.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, FlowDeclined, stored.Flows[1].Status)
	assert.Equal(t, "scope too wide", stored.Flows[1].Reason)
	assert.Equal(t, 1, stored.NextApprovalIndex)

	_, err = env.manager.Approve(ctx, approve(req.ID, dave))
	assert.True(t, common.IsKind(err, common.KindInvalidState))
}

func TestConcurrentDecisionsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, RuleInput{Activity: "delete", Module: "ROLE", Global: true, Policy: singleRolePolicy("approve-delete-backoffice-role")})
	req := env.submit(t, maker, operation.KeyDeleteRole, "delete", "ROLE", nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, d := range []*operation.Decision{approve(req.ID, alice), decline(req.ID, carol, "race")} {
		wg.Add(1)
		go func(i int, d *operation.Decision) {
			defer wg.Done()
			if d.Decision == operation.DecisionApproved {
				_, errs[i] = env.manager.Approve(ctx, d)
			} else {
				_, errs[i] = env.manager.Decline(ctx, d)
			}
		}(i, d)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, common.IsKind(err, common.KindInvalidState), "unexpected error: %v", err)
		losses++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	trail, err := env.manager.AuditTrail(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestCompareAndSwapRejectsStaleVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, RuleInput{Activity: "delete", Module: "ROLE", Global: true, Policy: singleRolePolicy("approve-delete-backoffice-role")})
	req := env.submit(t, maker, operation.KeyDeleteRole, "delete", "ROLE", nil)

	stale, err := env.repo.LoadRequest(ctx, nil, req.ID)
	require.NoError(t, err)
	_, err = env.manager.Decline(ctx, decline(req.ID, alice, "first"))
	require.NoError(t, err)

	stale.Status = StatusExecuted
	err = env.repo.CompareAndSwap(ctx, env.db, stale, transitionColumns(stale))
	assert.True(t, common.IsKind(err, common.KindInvalidState))

	stored, err := env.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, stored.Status)
}

func TestExecutionFailureIsCapturedAndRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, RuleInput{Activity: "delete", Module: "ROLE", Global: true, Policy: singleRolePolicy("approve-delete-backoffice-role")})
	req := env.submit(t, maker, operation.KeyDeleteRole, "delete", "ROLE", nil)

	env.executor.setErr(errors.New("role is still assigned to 3 users"))
	res, err := env.manager.Approve(ctx, approve(req.ID, alice))
	require.NoError(t, err)
	assert.Equal(t, "request approved, execution failed", res.Message)

	stored, err := env.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, stored.Status)
	assert.True(t, stored.ExecutionFailed())
	assert.Equal(t, "role is still assigned to 3 users", stored.ErrorTrace)
	assert.Equal(t, 1, stored.ExecutionAttempts)

	env.executor.setErr(nil)
	claimed, err := env.manager.ClaimExecution(ctx, req.ID)
	require.NoError(t, err)
	_, err = env.manager.ClaimExecution(ctx, req.ID)
	assert.True(t, common.IsKind(err, common.KindInvalidState), "second claim while in progress")

	done, err := env.manager.RecordExecutionOutcome(ctx, claimed.ID, alice, nil)
	require.NoError(t, err)
	assert.NotNil(t, done.ExecutedAt)
	assert.Empty(t, done.ErrorTrace)
	assert.Equal(t, 2, done.ExecutionAttempts)

	_, err = env.manager.ClaimExecution(ctx, req.ID)
	assert.True(t, common.IsKind(err, common.KindInvalidState))

	trail, err := env.manager.AuditTrail(ctx, req.ID)
	require.NoError(t, err)
	actions := make([]audit.Action, 0, len(trail))
	for _, e := range trail {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []audit.Action{audit.ActionSubmitted, audit.ActionExecuted, audit.ActionExecutionFailed, audit.ActionRetried}, actions)
}

// droppedExecutor 模拟投递后任务丢失：从不认领也不执行
type droppedExecutor struct{}

func (droppedExecutor) OnApproved(context.Context, *ApprovalRequest, identity.Actor) {}

func TestLostExecutionIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.manager.SetExecutor(droppedExecutor{})
	env.createRule(t, RuleInput{Activity: "delete", Module: "ROLE", Global: true, Policy: singleRolePolicy("approve-delete-backoffice-role")})
	req := env.submit(t, maker, operation.KeyDeleteRole, "delete", "ROLE", nil)

	_, err := env.manager.Approve(ctx, approve(req.ID, alice))
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	clocked := NewManager(env.repo, env.recorder,
		WithClock(func() time.Time { return now }),
		WithExecutionTimeout(time.Minute),
	)

	stalled, err := clocked.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, stalled.Status)
	assert.Nil(t, stalled.ExecutedAt)
	assert.Empty(t, stalled.ErrorTrace)
	assert.False(t, stalled.ExecutionFailed())
	assert.True(t, clocked.Retryable(stalled), "never claimed")

	// worker 认领后退出，认领未过期前不允许重试
	_, err = clocked.ClaimExecution(ctx, req.ID)
	require.NoError(t, err)
	claimed, err := clocked.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, clocked.Retryable(claimed))

	now = now.Add(time.Minute)
	assert.True(t, clocked.Retryable(claimed), "claim expired")
	reclaimed, err := clocked.ClaimExecution(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed.ExecutionAttempts)

	done, err := clocked.RecordExecutionOutcome(ctx, req.ID, alice, nil)
	require.NoError(t, err)
	assert.NotNil(t, done.ExecutedAt)
	assert.False(t, clocked.Retryable(done))

	trail, err := env.manager.AuditTrail(ctx, req.ID)
	require.NoError(t, err)
	actions := make([]audit.Action, 0, len(trail))
	for _, e := range trail {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, audit.ActionRetried)
	assert.NotContains(t, actions, audit.ActionExecutionFailed)
}

func TestExecutionTimeoutIgnoresNonPositive(t *testing.T) {
	env := newTestEnv(t)
	mgr := NewManager(env.repo, env.recorder, WithExecutionTimeout(0))
	assert.Equal(t, 2*time.Minute, mgr.executionTimeout)

	mgr = NewManager(env.repo, env.recorder, WithExecutionTimeout(-time.Second))
	assert.Equal(t, 2*time.Minute, mgr.executionTimeout)
}

func TestZeroApprovalPolicyCompletesImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, RuleInput{Activity: "create", Module: "ROLE", Global: true, Policy: PolicyBody{ApprovalFlowType: FlowSingle, ApprovalBasedType: BasedOnRole}})
	req := env.submit(t, maker, operation.KeyCreateRole, "create", "ROLE", nil)
	require.Equal(t, 0, req.Policy.RequiredApprovals())

	done, err := env.manager.CompleteWithoutApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, done.Status)
	assert.Equal(t, "system", *done.ApprovalUsername)
	assert.NotNil(t, done.ExecutedAt)

	_, err = env.manager.CompleteWithoutApproval(ctx, req.ID)
	assert.True(t, common.IsKind(err, common.KindInvalidState))
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Submit(context.Background(), SubmitInput{Requester: maker, ProposedData: []byte("{")}, Policy{})
	require.Error(t, err)
	be, ok := common.AsBusinessError(err)
	require.True(t, ok)
	assert.Equal(t, common.KindValidation, be.Kind)
	assert.Contains(t, be.Details, "proposedData must be valid JSON")
	assert.Contains(t, be.Details, "approvalRequestType is required")
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRule(t, RuleInput{Activity: ModuleWideActivity, Module: "ROLE", Global: true, Policy: singleRolePolicy("approve-delete-backoffice-role")})
	first := env.submit(t, maker, operation.KeyDeleteRole, "delete", "ROLE", nil)
	env.submit(t, maker, operation.KeyCreateRole, "create", "ROLE", nil)
	env.submit(t, alice, operation.KeyUpdateRole, "edit", "ROLE", nil)
	_, err := env.manager.Decline(ctx, decline(first.ID, alice, "no"))
	require.NoError(t, err)

	items, total, err := env.manager.List(ctx, ListFilter{Statuses: []Status{StatusNotTreated}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, items, 2)

	items, total, err = env.manager.List(ctx, ListFilter{TypeLike: "role", Requester: "bob"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	items, _, err = env.manager.List(ctx, ListFilter{TypeLike: "update"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, operation.KeyUpdateRole, items[0].ApprovalRequestType)

	_, total, err = env.manager.List(ctx, ListFilter{Permissions: []string{"role:delete"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	items, total, err = env.manager.List(ctx, ListFilter{PaginationRequest: common.PaginationRequest{Page: 2, PageSize: 2}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, items, 1)
}

func TestGetUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Get(context.Background(), 999)
	assert.True(t, common.IsKind(err, common.KindNotFound))

	_, err = env.manager.Approve(context.Background(), approve(999, alice))
	assert.True(t, common.IsKind(err, common.KindNotFound))

	_, err = env.manager.Approve(context.Background(), nil)
	assert.True(t, common.IsKind(err, common.KindValidation))
}
