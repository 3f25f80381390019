package role

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"makerchecker/internal/approval"
	"makerchecker/internal/audit"
	"makerchecker/internal/common"
	"makerchecker/internal/identity"
	"makerchecker/internal/makerchecker"
	"makerchecker/internal/operation"
)

var (
	admin   = identity.Actor{Username: "root", Roles: []string{"backoffice-admin"}}
	maker   = identity.Actor{Username: "bob", Roles: []string{"role-maker"}}
	checker = identity.Actor{Username: "alice", Roles: []string{"role-checker"}}
)

type allowAll struct{}

func (allowAll) CanInitiate(context.Context, identity.Actor, string) (bool, error) { return true, nil }

type testEnv struct {
	roles    *Service
	requests *Requests
	manager  *approval.Manager
	router   *approval.DecisionRouter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(append(approval.Models(), &audit.AuditLog{}, &Role{})...))

	repo := approval.NewRepository(db)
	recorder := audit.NewRecorder(db)
	manager := approval.NewManager(repo, recorder, approval.WithManagerLogger(zaptest.NewLogger(t)))
	engine := approval.NewRuleEngine(repo, recorder)
	for _, activity := range []string{ActivityCreate, ActivityEdit, ActivityDelete} {
		_, err := engine.CreateRule(context.Background(), admin, approval.RuleInput{
			Activity: activity,
			Module:   operation.ModuleRole,
			Global:   true,
			Policy: approval.PolicyBody{
				ApprovalFlowType:  approval.FlowSingle,
				ApprovalBasedType: approval.BasedOnRole,
				Approvers:         []string{"role-checker"},
			},
		})
		require.NoError(t, err)
	}

	roles := NewService(db)
	b := operation.NewBuilder()
	require.NoError(t, Register(b, manager, roles))
	registry := b.Build()
	orch := makerchecker.New(registry, engine, manager, allowAll{}, makerchecker.WithLogger(zaptest.NewLogger(t)))

	return &testEnv{
		roles:    roles,
		requests: NewRequests(roles, orch),
		manager:  manager,
		router:   approval.NewDecisionRouter(manager, registry),
	}
}

func (e *testEnv) decide(t *testing.T, id uint64, decision operation.DecisionType) *operation.Result {
	t.Helper()
	res, err := e.router.Route(context.Background(), checker, &approval.DecisionEnvelope{
		RequestID: id, Decision: decision, Reason: "reviewed",
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) createRole(t *testing.T, in RoleInput) *Role {
	t.Helper()
	sub, err := e.requests.ProposeCreate(context.Background(), maker, in)
	require.NoError(t, err)
	e.decide(t, sub.RequestID, operation.DecisionApproved)

	roles, err := e.roles.List(context.Background())
	require.NoError(t, err)
	for i := range roles {
		if roles[i].Name == in.Name {
			return &roles[i]
		}
	}
	t.Fatalf("role %s was not created", in.Name)
	return nil
}

func TestCreateRoleWaitsForApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.requests.ProposeCreate(ctx, maker, RoleInput{Name: "auditor", Permissions: []string{"report:read"}})
	require.NoError(t, err)
	assert.Equal(t, approval.StatusNotTreated, sub.Status)

	roles, err := env.roles.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, roles, "role must not exist before approval")

	res := env.decide(t, sub.RequestID, operation.DecisionApproved)
	assert.Equal(t, string(approval.StatusExecuted), res.Status)

	roles, err = env.roles.List(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "auditor", roles[0].Name)
	assert.Equal(t, []string{"report:read"}, roles[0].Permissions)
	assert.Equal(t, "bob", roles[0].CreatedBy)
}

func TestDeclinedCreateLeavesNoRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.requests.ProposeCreate(ctx, maker, RoleInput{Name: "auditor"})
	require.NoError(t, err)
	res := env.decide(t, sub.RequestID, operation.DecisionDeclined)
	assert.Equal(t, string(approval.StatusDeclined), res.Status)

	roles, err := env.roles.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestUpdateRoleCarriesCurrentStateAsInitialData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	role := env.createRole(t, RoleInput{Name: "auditor", Permissions: []string{"report:read"}})

	sub, err := env.requests.ProposeUpdate(ctx, maker, role.ID, RoleInput{
		Name:        "senior-auditor",
		Permissions: []string{"report:read", "report:export"},
	})
	require.NoError(t, err)

	req, err := env.manager.Get(ctx, sub.RequestID)
	require.NoError(t, err)
	assert.Equal(t, operation.KeyUpdateRole, req.ApprovalRequestType)
	assert.Equal(t, PermissionEdit, req.Permission)
	var initial Snapshot
	require.NoError(t, json.Unmarshal(req.InitialData, &initial))
	assert.Equal(t, "auditor", initial.Name)

	unchanged, err := env.roles.Get(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "auditor", unchanged.Name)

	env.decide(t, sub.RequestID, operation.DecisionApproved)
	updated, err := env.roles.Get(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "senior-auditor", updated.Name)
	assert.Equal(t, []string{"report:read", "report:export"}, updated.Permissions)
	assert.Equal(t, "bob", updated.UpdatedBy)
}

func TestDeleteRoleIsSoftDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	role := env.createRole(t, RoleInput{Name: "auditor"})

	sub, err := env.requests.ProposeDelete(ctx, maker, role.ID)
	require.NoError(t, err)
	env.decide(t, sub.RequestID, operation.DecisionApproved)

	_, err = env.roles.Get(ctx, role.ID)
	assert.True(t, common.IsKind(err, common.KindNotFound))

	_, err = env.requests.ProposeDelete(ctx, maker, role.ID)
	assert.True(t, common.IsKind(err, common.KindNotFound))
}

func TestDuplicateNameFailsAtExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.requests.ProposeCreate(ctx, maker, RoleInput{Name: "auditor"})
	require.NoError(t, err)
	second, err := env.requests.ProposeCreate(ctx, maker, RoleInput{Name: "auditor"})
	require.NoError(t, err)

	env.decide(t, first.RequestID, operation.DecisionApproved)
	res := env.decide(t, second.RequestID, operation.DecisionApproved)
	assert.Equal(t, "request approved, execution failed", res.Message)

	req, err := env.manager.Get(ctx, second.RequestID)
	require.NoError(t, err)
	assert.True(t, req.ExecutionFailed())
	assert.Contains(t, req.ErrorTrace, "already exists")
}

func TestProposeRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.requests.ProposeCreate(context.Background(), maker, RoleInput{Permissions: []string{"a", "a"}})
	require.Error(t, err)
	be, ok := common.AsBusinessError(err)
	require.True(t, ok)
	assert.Equal(t, common.KindValidation, be.Kind)
	assert.Contains(t, be.Details, "name is required")
	assert.Contains(t, be.Details, "permissions must not contain duplicates")
}

func TestRegisterRejectsDuplicateKeys(t *testing.T) {
	env := newTestEnv(t)
	b := operation.NewBuilder()
	require.NoError(t, Register(b, env.manager, env.roles))
	err := Register(b, env.manager, env.roles)
	assert.True(t, common.IsKind(err, common.KindConflict))
}
