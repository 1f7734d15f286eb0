package tickets

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mesinsight/internal/db"
	"mesinsight/internal/db/dbtest"
)

func ptr[T any](v T) *T { return &v }

type fakeDirectory struct {
	mu         sync.Mutex
	users      map[int64]*User
	assets     map[int64]*Asset
	userCalls  int
	assetCalls int

	// When set, every call checks that the single test connection is free,
	// i.e. that no transaction is open while the directory is consulted.
	db       *gorm.DB
	connBusy int
}

func (f *fakeDirectory) checkConn() {
	if f.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := f.db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		f.connBusy++
	}
}

func (f *fakeDirectory) User(_ context.Context, id int64) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCalls++
	f.checkConn()
	return f.users[id], nil
}

func (f *fakeDirectory) Asset(_ context.Context, id int64) (*Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assetCalls++
	f.checkConn()
	return f.assets[id], nil
}

var syncTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newReconciler(t *testing.T, dir *fakeDirectory) (*Reconciler, *gorm.DB) {
	t.Helper()
	gdb := dbtest.Open(t)
	r := NewReconciler(gdb, dir, zerolog.Nop())
	r.now = func() time.Time { return syncTime }
	return r, gdb
}

func workOrder() WorkOrder {
	return WorkOrder{
		ID:          501,
		Title:       "Hydraulic leak",
		Description: "Oil under press 2",
		Status:      "OPEN",
		Priority:    "HIGH",
		AssetID:     ptr(int64(30)),
		AssigneeIDs: []int64{7},
		UpdatedAt:   "2026-03-02T08:00:00Z",
	}
}

func directory() *fakeDirectory {
	return &fakeDirectory{
		users: map[int64]*User{
			7: {ID: 7, FirstName: "Ana", LastName: "Ruiz", Email: "ana@plant.test"},
			8: {ID: 8, FirstName: "Bo", LastName: "Lind"},
		},
		assets: map[int64]*Asset{
			30: {ID: 30, Name: "Pump", ParentID: ptr(int64(20))},
			20: {ID: 20, Name: "Press 2", ParentID: ptr(int64(10))},
		},
	}
}

func history(t *testing.T, gdb *gorm.DB, taskID uint) []db.TaskStatusHistory {
	t.Helper()
	var rows []db.TaskStatusHistory
	require.NoError(t, gdb.Where("task_id = ?", taskID).Order("id").Find(&rows).Error)
	return rows
}

func TestReconcileCreates(t *testing.T) {
	dir := directory()
	r, gdb := newReconciler(t, dir)

	press := db.Machine{Name: "Press 2", MaintenanceAssetID: ptr(int64(20))}
	require.NoError(t, gdb.Create(&press).Error)

	out, err := r.Reconcile(context.Background(), workOrder())
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)

	var task db.MaintenanceTask
	require.NoError(t, gdb.First(&task, out.TaskID).Error)
	assert.Equal(t, "501", task.ExternalID)
	assert.Equal(t, StatusNew, task.Status)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, Hash(workOrder()), task.ContentHash)
	require.NotNil(t, task.MachineID, "machine found through the asset parent")
	assert.Equal(t, press.ID, *task.MachineID)
	require.NotNil(t, task.ExternalUpdatedAt)
	assert.Equal(t, "Hydraulic leak", task.Raw["title"])

	var e db.Employee
	require.NoError(t, gdb.First(&e, *task.AssigneeID).Error)
	assert.Equal(t, "Ana Ruiz", e.Name)
	assert.Equal(t, "7", *e.ExternalID)
	assert.Equal(t, "2026-03-02T10:00:00Z - -> Ana Ruiz\n", task.AssigneeLog)

	h := history(t, gdb, task.ID)
	require.Len(t, h, 1)
	assert.Equal(t, StatusNew, h[0].Status)
	assert.Empty(t, h[0].PreviousStatus)
}

func TestReconcileLooksUpOutsideTransaction(t *testing.T) {
	dir := directory()
	r, gdb := newReconciler(t, dir)
	dir.db = gdb

	out, err := r.Reconcile(context.Background(), workOrder())
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)

	wo := workOrder()
	wo.AssigneeIDs = []int64{8}
	wo.UpdatedAt = "2026-03-02T09:30:00Z"
	out, err = r.Reconcile(context.Background(), wo)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, out.Action)

	assert.Equal(t, 2, dir.userCalls)
	assert.Positive(t, dir.assetCalls)
	assert.Zero(t, dir.connBusy, "directory consulted while a transaction held the connection")
}

func TestReconcileSkipsUnchanged(t *testing.T) {
	dir := directory()
	r, gdb := newReconciler(t, dir)
	ctx := context.Background()

	first, err := r.Reconcile(ctx, workOrder())
	require.NoError(t, err)
	calls := dir.userCalls

	r.now = func() time.Time { return syncTime.Add(time.Hour) }
	out, err := r.Reconcile(ctx, workOrder())
	require.NoError(t, err)
	assert.Equal(t, ActionUnchanged, out.Action)
	assert.Equal(t, first.TaskID, out.TaskID)
	assert.Equal(t, calls, dir.userCalls, "no lookups on a hash hit")

	var task db.MaintenanceTask
	require.NoError(t, gdb.First(&task, out.TaskID).Error)
	assert.True(t, task.LastSyncedAt.Equal(syncTime.Add(time.Hour)))
}

func TestReconcileSilentUpdate(t *testing.T) {
	r, gdb := newReconciler(t, directory())
	ctx := context.Background()

	_, err := r.Reconcile(ctx, workOrder())
	require.NoError(t, err)

	wo := workOrder()
	wo.UpdatedAt = "2026-03-02T09:00:00Z"
	out, err := r.Reconcile(ctx, wo)
	require.NoError(t, err)
	assert.Equal(t, ActionSilent, out.Action)
	assert.Empty(t, out.Delta)

	var task db.MaintenanceTask
	require.NoError(t, gdb.First(&task, out.TaskID).Error)
	assert.Equal(t, Hash(wo), task.ContentHash)
	assert.Len(t, history(t, gdb, task.ID), 1)
}

func TestReconcileUpdateAppendsHistory(t *testing.T) {
	r, gdb := newReconciler(t, directory())
	ctx := context.Background()

	_, err := r.Reconcile(ctx, workOrder())
	require.NoError(t, err)

	wo := workOrder()
	wo.Status = "IN_PROGRESS"
	wo.AssigneeIDs = []int64{8}
	wo.UpdatedAt = "2026-03-02T09:30:00Z"
	out, err := r.Reconcile(ctx, wo)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, out.Action)
	assert.Equal(t, Change{StatusNew, StatusAssigned}, out.Delta["status"])
	assert.Contains(t, out.Delta, "assignee_id")
	assert.NotContains(t, out.Delta, "title")

	var task db.MaintenanceTask
	require.NoError(t, gdb.First(&task, out.TaskID).Error)
	lines := strings.Split(strings.TrimSpace(task.AssigneeLog), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2026-03-02T10:00:00Z Ana Ruiz -> Bo Lind", lines[1])

	h := history(t, gdb, task.ID)
	require.Len(t, h, 2)
	assert.Equal(t, StatusAssigned, h[1].Status)
	assert.Equal(t, StatusNew, h[1].PreviousStatus)

	// Same status again: no new history row.
	wo.Title = "Hydraulic leak, left side"
	wo.UpdatedAt = "2026-03-02T09:45:00Z"
	out, err = r.Reconcile(ctx, wo)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, out.Action)
	assert.Len(t, history(t, gdb, task.ID), 2)
}

func TestReconcileMatchesExistingEmployee(t *testing.T) {
	r, gdb := newReconciler(t, directory())

	existing := db.Employee{Name: "RUIZ, Ana"}
	require.NoError(t, gdb.Create(&existing).Error)

	out, err := r.Reconcile(context.Background(), workOrder())
	require.NoError(t, err)

	var task db.MaintenanceTask
	require.NoError(t, gdb.First(&task, out.TaskID).Error)
	require.NotNil(t, task.AssigneeID)
	assert.Equal(t, existing.ID, *task.AssigneeID)

	var e db.Employee
	require.NoError(t, gdb.First(&e, existing.ID).Error)
	require.NotNil(t, e.ExternalID)
	assert.Equal(t, "7", *e.ExternalID)

	var n int64
	require.NoError(t, gdb.Model(&db.Employee{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestReconcileUnknownUserRetriesLater(t *testing.T) {
	r, gdb := newReconciler(t, directory())

	wo := workOrder()
	wo.AssigneeIDs = []int64{99}
	out, err := r.Reconcile(context.Background(), wo)
	require.NoError(t, err)

	var task db.MaintenanceTask
	require.NoError(t, gdb.First(&task, out.TaskID).Error)
	assert.Nil(t, task.AssigneeID)
	assert.Empty(t, task.ContentHash)

	out, err = r.Reconcile(context.Background(), wo)
	require.NoError(t, err)
	assert.Equal(t, ActionSilent, out.Action)
}

func TestResolveMachineDepthBound(t *testing.T) {
	dir := &fakeDirectory{assets: map[int64]*Asset{}}
	for i := int64(1); i < 10; i++ {
		dir.assets[i] = &Asset{ID: i, ParentID: ptr(i + 1)}
	}
	r, gdb := newReconciler(t, dir)
	require.NoError(t, gdb.Create(&db.Machine{Name: "Deep", MaintenanceAssetID: ptr(int64(8))}).Error)

	id, err := r.resolveMachine(context.Background(), gdb, ptr(int64(1)))
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Equal(t, maxAssetDepth, dir.assetCalls)

	id, err = r.resolveMachine(context.Background(), gdb, ptr(int64(4)))
	require.NoError(t, err)
	require.NotNil(t, id)
}

func TestNameKey(t *testing.T) {
	assert.Equal(t, nameKey("Ana Ruiz"), nameKey("ruiz,  ANA"))
	assert.NotEqual(t, nameKey("Ana Ruiz"), nameKey("Ana Ruiz Jr"))
	assert.Empty(t, nameKey(" - "))
}
