package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"makerchecker/internal/audit"
	"makerchecker/internal/identity"
	"makerchecker/internal/operation"
)

var admin = identity.Actor{Username: "root", Email: "root@example.com", Roles: []string{"backoffice-admin"}}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(Models(), &audit.AuditLog{})
	require.NoError(t, db.AutoMigrate(models...))
	return db
}

type testEnv struct {
	db       *gorm.DB
	repo     *Repository
	recorder *audit.Recorder
	engine   *RuleEngine
	manager  *Manager
	executor *fakeExecutor
	bus      *ApprovalEventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepository(db)
	recorder := audit.NewRecorder(db)
	bus := NewApprovalEventBus(&EventBusConfig{BufferSize: 16})
	mgr := NewManager(repo, recorder, WithEventBus(bus), WithManagerLogger(zaptest.NewLogger(t)))
	exec := &fakeExecutor{manager: mgr}
	mgr.SetExecutor(exec)
	return &testEnv{
		db:       db,
		repo:     repo,
		recorder: recorder,
		engine:   NewRuleEngine(repo, recorder),
		manager:  mgr,
		executor: exec,
		bus:      bus,
	}
}

// fakeExecutor 同步认领并记录执行结果，err 非空时模拟变更失败
type fakeExecutor struct {
	manager *Manager
	mu      sync.Mutex
	err     error
	calls   []uint64
}

func (f *fakeExecutor) OnApproved(ctx context.Context, req *ApprovalRequest, actor identity.Actor) {
	f.mu.Lock()
	f.calls = append(f.calls, req.ID)
	execErr := f.err
	f.mu.Unlock()

	claimed, err := f.manager.ClaimExecution(ctx, req.ID)
	if err != nil {
		return
	}
	_, _ = f.manager.RecordExecutionOutcome(ctx, claimed.ID, actor, execErr)
}

func (f *fakeExecutor) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (e *testEnv) createRule(t *testing.T, in RuleInput) *ApprovalRule {
	t.Helper()
	rule, err := e.engine.CreateRule(context.Background(), admin, in)
	require.NoError(t, err)
	return rule
}

func (e *testEnv) submit(t *testing.T, maker identity.Actor, key operation.Key, activity, module string, amount *int64) *ApprovalRequest {
	t.Helper()
	ctx := context.Background()
	policy, err := e.engine.Resolve(ctx, ResolveInput{Activity: activity, Module: module, AmountInMinor: amount})
	require.NoError(t, err)
	req, err := e.manager.Submit(ctx, SubmitInput{
		Requester:     maker,
		Description:   fmt.Sprintf("%s %s", activity, module),
		Type:          key,
		Module:        module,
		Activity:      activity,
		Permission:    strings.ToLower(module) + ":" + activity,
		ProposedData:  []byte(`{"name":"auditor"}`),
		InitialData:   []byte(`{"name":"viewer"}`),
		AmountInMinor: amount,
	}, policy)
	require.NoError(t, err)
	return req
}

func singleRolePolicy(roles ...string) PolicyBody {
	return PolicyBody{
		ApprovalFlowType:  FlowSingle,
		ApprovalBasedType: BasedOnRole,
		Approvers:         roles,
	}
}

func tier(lower, upper int64, approvers ...string) PolicyBody {
	return PolicyBody{
		ApprovalFlowType:  FlowSingle,
		ApprovalBasedType: BasedOnRole,
		Approvers:         approvers,
		LowerBoundInMinor: &lower,
		UpperBoundInMinor: &upper,
	}
}

func int64Ptr(v int64) *int64 { return &v }

func boolPtr(v bool) *bool { return &v }

func approve(id uint64, actor identity.Actor) *operation.Decision {
	return &operation.Decision{RequestID: id, Decision: operation.DecisionApproved, Reason: "ok", Actor: actor}
}

func decline(id uint64, actor identity.Actor, reason string) *operation.Decision {
	return &operation.Decision{RequestID: id, Decision: operation.DecisionDeclined, Reason: reason, Actor: actor}
}
