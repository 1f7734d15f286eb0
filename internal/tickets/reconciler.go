package tickets

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mesinsight/internal/db"
)

// Reconcile actions.
const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionSilent    = "silent"
	ActionUnchanged = "unchanged"
)

const maxAssetDepth = 5

// Directory resolves ids referenced by a work order.
type Directory interface {
	User(ctx context.Context, id int64) (*User, error)
	Asset(ctx context.Context, id int64) (*Asset, error)
}

// Change is one user-visible field change.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Outcome reports what a reconciliation did to the local task.
type Outcome struct {
	TaskID uint              `json:"task_id"`
	Action string            `json:"action"`
	Delta  map[string]Change `json:"delta,omitempty"`
}

// Reconciler mirrors one work order into a db.MaintenanceTask.
type Reconciler struct {
	db  *gorm.DB
	dir Directory
	now func() time.Time
	log zerolog.Logger
}

func NewReconciler(gdb *gorm.DB, dir Directory, log zerolog.Logger) *Reconciler {
	return &Reconciler{db: gdb, dir: dir, now: time.Now, log: log}
}

// visible are the task fields whose changes are reported. Hash, sync time and
// raw payload are bookkeeping.
type visible struct {
	Title       string
	Description string
	Status      string
	Priority    int
	AssigneeID  *uint
	MachineID   *uint
}

func visibleOf(t *db.MaintenanceTask) visible {
	return visible{
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		AssigneeID:  t.AssigneeID,
		MachineID:   t.MachineID,
	}
}

func diff(old, next visible) map[string]Change {
	d := make(map[string]Change)
	if old.Title != next.Title {
		d["title"] = Change{old.Title, next.Title}
	}
	if old.Description != next.Description {
		d["description"] = Change{old.Description, next.Description}
	}
	if old.Status != next.Status {
		d["status"] = Change{old.Status, next.Status}
	}
	if old.Priority != next.Priority {
		d["priority"] = Change{old.Priority, next.Priority}
	}
	if !sameID(old.AssigneeID, next.AssigneeID) {
		d["assignee_id"] = Change{idValue(old.AssigneeID), idValue(next.AssigneeID)}
	}
	if !sameID(old.MachineID, next.MachineID) {
		d["machine_id"] = Change{idValue(old.MachineID), idValue(next.MachineID)}
	}
	return d
}

// Reconcile creates or updates the task mirroring wo. A stored hash equal to
// the incoming one short-circuits everything but the sync timestamp.
// Directory lookups happen before the transaction opens, so a rate-limited
// API never holds a database connection.
func (r *Reconciler) Reconcile(ctx context.Context, wo WorkOrder) (Outcome, error) {
	extID := strconv.FormatInt(wo.ID, 10)
	hash := Hash(wo)
	now := r.now().UTC()
	gdb := r.db.WithContext(ctx)

	var current db.MaintenanceTask
	if err := gdb.Where(&db.MaintenanceTask{ExternalID: extID}).Limit(1).Find(&current).Error; err != nil {
		return Outcome{}, err
	}
	if current.ID != 0 && current.ContentHash == hash {
		if err := gdb.Model(&current).UpdateColumn("last_synced_at", now).Error; err != nil {
			return Outcome{}, err
		}
		return Outcome{TaskID: current.ID, Action: ActionUnchanged}, nil
	}

	found, err := r.lookup(ctx, wo)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err = gdb.Transaction(func(tx *gorm.DB) error {
		var task db.MaintenanceTask
		if err := tx.Where(&db.MaintenanceTask{ExternalID: extID}).Limit(1).Find(&task).Error; err != nil {
			return err
		}
		out.TaskID = task.ID

		complete := true
		var assigneeID *uint
		if len(wo.AssigneeIDs) > 0 {
			id, err := r.resolveAssignee(tx, wo.AssigneeIDs[0], found.user)
			if err != nil {
				return err
			}
			assigneeID = id
			complete = id != nil
		}
		next := visible{
			Title:       wo.Title,
			Description: wo.Description,
			Status:      Status(wo.Status),
			Priority:    Priority(wo.Priority),
			AssigneeID:  assigneeID,
			MachineID:   found.machineID,
		}

		old := visibleOf(&task)
		created := task.ID == 0
		task.ExternalID = extID
		task.Title, task.Description = next.Title, next.Description
		task.Status, task.Priority = next.Status, next.Priority
		task.AssigneeID, task.MachineID = next.AssigneeID, next.MachineID
		task.LastSyncedAt = now
		task.ExternalUpdatedAt = parseTime(wo.UpdatedAt)
		task.Raw = rawMap(wo)
		// An unresolved assignee leaves the hash empty so the next sync retries.
		task.ContentHash = ""
		if complete {
			task.ContentHash = hash
		}

		if created {
			if err := r.appendAssignee(tx, &task, nil, now); err != nil {
				return err
			}
			if err := tx.Create(&task).Error; err != nil {
				return err
			}
			out.TaskID, out.Action = task.ID, ActionCreated
			return tx.Create(&db.TaskStatusHistory{TaskID: task.ID, Status: task.Status, ChangedAt: now}).Error
		}

		out.Delta = diff(old, next)
		out.Action = ActionSilent
		if len(out.Delta) > 0 {
			out.Action = ActionUpdated
		}

		if _, ok := out.Delta["assignee_id"]; ok {
			if err := r.appendAssignee(tx, &task, old.AssigneeID, now); err != nil {
				return err
			}
		}
		if err := tx.Save(&task).Error; err != nil {
			return err
		}
		if old.Status != task.Status {
			return tx.Create(&db.TaskStatusHistory{
				TaskID:         task.ID,
				Status:         task.Status,
				PreviousStatus: old.Status,
				ChangedAt:      now,
			}).Error
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	return out, nil
}

// appendAssignee adds one line to the task's assignee log when the current
// assignee differs from previous.
func (r *Reconciler) appendAssignee(tx *gorm.DB, task *db.MaintenanceTask, previous *uint, now time.Time) error {
	if sameID(previous, task.AssigneeID) {
		return nil
	}
	from, err := employeeName(tx, previous)
	if err != nil {
		return err
	}
	to, err := employeeName(tx, task.AssigneeID)
	if err != nil {
		return err
	}
	task.AssigneeLog += fmt.Sprintf("%s %s -> %s\n", now.Format(time.RFC3339), from, to)
	return nil
}

func employeeName(tx *gorm.DB, id *uint) (string, error) {
	if id == nil {
		return "-", nil
	}
	var e db.Employee
	if err := tx.Select("name").Where("id = ?", *id).Limit(1).Find(&e).Error; err != nil {
		return "", err
	}
	if e.Name == "" {
		return "#" + strconv.FormatUint(uint64(*id), 10), nil
	}
	return e.Name, nil
}

// refs are the directory answers one reconciliation needs.
type refs struct {
	// user is the fetched assignee; nil when already linked or unknown upstream.
	user      *User
	machineID *uint
}

func (r *Reconciler) lookup(ctx context.Context, wo WorkOrder) (refs, error) {
	var out refs
	gdb := r.db.WithContext(ctx)

	if len(wo.AssigneeIDs) > 0 {
		userID := wo.AssigneeIDs[0]
		linked, err := linkedEmployee(gdb, userID)
		if err != nil {
			return refs{}, err
		}
		if linked == nil {
			if out.user, err = r.dir.User(ctx, userID); err != nil {
				return refs{}, err
			}
			if out.user == nil {
				r.log.Warn().Int64("user_id", userID).Msg("assignee not found in maintainx")
			}
		}
	}

	machineID, err := r.resolveMachine(ctx, gdb, wo.AssetID)
	if err != nil {
		return refs{}, err
	}
	out.machineID = machineID
	return out, nil
}

func linkedEmployee(gdb *gorm.DB, userID int64) (*uint, error) {
	ext := strconv.FormatInt(userID, 10)
	var e db.Employee
	if err := gdb.Where(&db.Employee{ExternalID: &ext}).Limit(1).Find(&e).Error; err != nil {
		return nil, err
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e.ID, nil
}

// resolveAssignee maps an external user id to an employee: stored external
// id first, then the fetched user's email or name, else a new employee. A
// user the API does not know (u nil) resolves to nil.
func (r *Reconciler) resolveAssignee(tx *gorm.DB, userID int64, u *User) (*uint, error) {
	if id, err := linkedEmployee(tx, userID); err != nil || id != nil {
		return id, err
	}
	if u == nil {
		return nil, nil
	}

	ext := strconv.FormatInt(userID, 10)
	name := u.FullName()
	if name == "" {
		name = u.Email
	}

	var candidates []db.Employee
	if err := tx.Where("external_id IS NULL").Find(&candidates).Error; err != nil {
		return nil, err
	}
	if m := matchEmployee(candidates, name, u.Email); m != nil {
		if err := tx.Model(m).Update("external_id", ext).Error; err != nil {
			return nil, err
		}
		r.log.Info().Int64("user_id", userID).Uint("employee_id", m.ID).Msg("linked maintainx user to employee")
		return &m.ID, nil
	}

	e := db.Employee{Name: name, Email: u.Email, ExternalID: &ext}
	if err := tx.Create(&e).Error; err != nil {
		return nil, err
	}
	r.log.Info().Int64("user_id", userID).Uint("employee_id", e.ID).Msg("created employee for maintainx user")
	return &e.ID, nil
}

// matchEmployee finds an employee by email, then by name ignoring case,
// punctuation and word order.
func matchEmployee(candidates []db.Employee, name, email string) *db.Employee {
	if email != "" {
		for i := range candidates {
			if strings.EqualFold(strings.TrimSpace(candidates[i].Email), email) {
				return &candidates[i]
			}
		}
	}
	key := nameKey(name)
	if key == "" {
		return nil
	}
	for i := range candidates {
		if nameKey(candidates[i].Name) == key {
			return &candidates[i]
		}
	}
	return nil
}

func nameKey(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	slices.Sort(fields)
	return strings.Join(fields, " ")
}

// resolveMachine walks the asset and its parents until one is linked to a machine.
func (r *Reconciler) resolveMachine(ctx context.Context, gdb *gorm.DB, assetID *int64) (*uint, error) {
	repo := db.NewRepository(gdb)
	id := assetID
	for depth := 0; id != nil && depth < maxAssetDepth; depth++ {
		m, err := repo.MachineByAssetID(ctx, *id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return &m.ID, nil
		}

		asset, err := r.dir.Asset(ctx, *id)
		if err != nil {
			return nil, err
		}
		if asset == nil {
			return nil, nil
		}
		id = asset.ParentID
	}
	return nil, nil
}

func parseTime(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func rawMap(wo WorkOrder) datatypes.JSONMap {
	b, err := json.Marshal(wo)
	if err != nil {
		return nil
	}
	var m datatypes.JSONMap
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func sameID(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func idValue(id *uint) any {
	if id == nil {
		return nil
	}
	return *id
}
