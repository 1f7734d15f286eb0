// Package hierarchy maintains the self-referential event and count
// dictionaries: cycle-checked parent changes, materialized paths and an
// idempotent batch sync keyed by code, then name.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"mesinsight/internal/db"
	"mesinsight/internal/errs"
)

// PathSeparator joins ancestor names in a complete path.
const PathSeparator = " / "

// maxDepth bounds every walk up the tree.
const maxDepth = 64

// CheckCycle reports errs.ErrRecursiveHierarchy when making newParent the
// parent of id would close a loop. parentOf returns a node's current parent.
func CheckCycle(id uint, newParent *uint, parentOf func(uint) *uint) error {
	if newParent == nil {
		return nil
	}

	seen := make(map[uint]struct{})
	for cur := newParent; cur != nil; cur = parentOf(*cur) {
		if *cur == id {
			return fmt.Errorf("%w: node %d cannot descend from itself", errs.ErrRecursiveHierarchy, id)
		}
		if _, ok := seen[*cur]; ok || len(seen) > maxDepth {
			return fmt.Errorf("%w: existing loop above node %d", errs.ErrRecursiveHierarchy, *cur)
		}
		seen[*cur] = struct{}{}
	}
	return nil
}

// Item is one incoming dictionary entry.
type Item struct {
	Name       string
	Code       string
	ParentName string
	Fields     db.NodeFields
}

// Result summarizes a sync. IDs lines up with the input items; skipped or
// failed items get 0.
type Result struct {
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	IDs       []uint `json:"ids"`
}

// Store is a dictionary table of T, where *T implements db.Node.
type Store[T any, PT interface {
	*T
	db.Node
}] struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewStore[T any, PT interface {
	*T
	db.Node
}](gdb *gorm.DB, log zerolog.Logger) *Store[T, PT] {
	return &Store[T, PT]{db: gdb, log: log}
}

// Events is the event dictionary store.
func Events(gdb *gorm.DB, log zerolog.Logger) *Store[db.EventEntry, *db.EventEntry] {
	return NewStore[db.EventEntry](gdb, log)
}

// Counts is the count dictionary store.
func Counts(gdb *gorm.DB, log zerolog.Logger) *Store[db.CountEntry, *db.CountEntry] {
	return NewStore[db.CountEntry](gdb, log)
}

// index is an in-memory view of the whole table used during one operation.
type index[T any, PT interface {
	*T
	db.Node
}] struct {
	byID   map[uint]PT
	byCode map[string]PT
	byName map[string]PT
}

func (s *Store[T, PT]) load(tx *gorm.DB) (*index[T, PT], error) {
	var rows []T
	if err := tx.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}

	idx := &index[T, PT]{
		byID:   make(map[uint]PT, len(rows)),
		byCode: make(map[string]PT),
		byName: make(map[string]PT),
	}
	for i := range rows {
		idx.add(PT(&rows[i]))
	}
	return idx, nil
}

func (idx *index[T, PT]) add(n PT) {
	idx.byID[n.GetID()] = n
	if c := n.GetCode(); c != nil && *c != "" {
		idx.byCode[*c] = n
	}
	// First node with a name wins so lookups stay stable.
	if _, ok := idx.byName[n.GetName()]; !ok {
		idx.byName[n.GetName()] = n
	}
}

// find looks a node up by code, else by name. A coded item adopts a bare
// node of the same name, which is how auto-created parents get their code.
func (idx *index[T, PT]) find(code, name string) PT {
	if code == "" {
		return idx.byName[name]
	}
	if n, ok := idx.byCode[code]; ok {
		return n
	}
	if n, ok := idx.byName[name]; ok && n.GetCode() == nil {
		return n
	}
	return nil
}

func (idx *index[T, PT]) parentOf(id uint) *uint {
	if n, ok := idx.byID[id]; ok {
		return n.GetParentID()
	}
	return nil
}

func (idx *index[T, PT]) path(n PT) string {
	parts := []string{n.GetName()}
	cur := n.GetParentID()
	for depth := 0; cur != nil && depth < maxDepth; depth++ {
		p, ok := idx.byID[*cur]
		if !ok {
			break
		}
		parts = append(parts, p.GetName())
		cur = p.GetParentID()
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, PathSeparator)
}

func (idx *index[T, PT]) children(id uint) []PT {
	var out []PT
	for _, n := range idx.byID {
		if p := n.GetParentID(); p != nil && *p == id {
			out = append(out, n)
		}
	}
	return out
}

// rematerialize refreshes the complete path of every descendant of root.
func (s *Store[T, PT]) rematerialize(tx *gorm.DB, idx *index[T, PT], root PT) error {
	seen := map[uint]struct{}{root.GetID(): {}}
	queue := idx.children(root.GetID())
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, ok := seen[n.GetID()]; ok {
			continue
		}
		seen[n.GetID()] = struct{}{}
		if p := idx.path(n); p != n.GetCompletePath() {
			n.SetCompletePath(p)
			if err := tx.Model(n).Update("complete_path", p).Error; err != nil {
				return err
			}
		}
		queue = append(queue, idx.children(n.GetID())...)
	}
	return nil
}

// ByCode returns the node with the given code, or nil.
func (s *Store[T, PT]) ByCode(ctx context.Context, code string) (PT, error) {
	var n T
	err := s.db.WithContext(ctx).Where("code = ?", code).Limit(1).Find(&n).Error
	if err != nil {
		return nil, err
	}
	if PT(&n).GetID() == 0 {
		return nil, nil
	}
	return PT(&n), nil
}

// SetParent moves a node under parentID (nil detaches it) after checking for
// cycles, then rewrites the paths of the node and its descendants.
func (s *Store[T, PT]) SetParent(ctx context.Context, id uint, parentID *uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		idx, err := s.load(tx)
		if err != nil {
			return err
		}

		n, ok := idx.byID[id]
		if !ok {
			return fmt.Errorf("%w: dictionary node %d", gorm.ErrRecordNotFound, id)
		}
		if parentID != nil {
			if _, ok := idx.byID[*parentID]; !ok {
				return fmt.Errorf("%w: parent node %d", gorm.ErrRecordNotFound, *parentID)
			}
		}
		if err := CheckCycle(id, parentID, idx.parentOf); err != nil {
			return err
		}

		n.SetParentID(parentID)
		n.SetCompletePath(idx.path(n))
		if err := tx.Model(n).Updates(map[string]any{
			"parent_id":     parentID,
			"complete_path": n.GetCompletePath(),
		}).Error; err != nil {
			return err
		}

		return s.rematerialize(tx, idx, n)
	})
}

// SyncBatch upserts items keyed by code when present, else by name. Missing
// parents are created as bare nodes and become visible to later items of the
// same batch. Nothing is ever deleted. An item that would create a cycle is
// counted as failed and the batch continues.
func (s *Store[T, PT]) SyncBatch(ctx context.Context, items []Item) (Result, error) {
	res := Result{IDs: make([]uint, len(items))}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		idx, err := s.load(tx)
		if err != nil {
			return err
		}

		for i, it := range items {
			id, err := s.syncItem(tx, idx, it, &res)
			if errors.Is(err, errs.ErrDataIntegrity) {
				res.Failed++
				s.log.Warn().Err(err).Str("name", it.Name).Str("code", it.Code).Msg("dictionary item rejected")
				continue
			}
			if err != nil {
				return err
			}
			res.IDs[i] = id
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	return res, nil
}

func (s *Store[T, PT]) syncItem(tx *gorm.DB, idx *index[T, PT], it Item, res *Result) (uint, error) {
	name := strings.TrimSpace(it.Name)
	code := strings.TrimSpace(it.Code)
	if name == "" {
		name = code
	}
	if name == "" {
		res.Skipped++
		return 0, nil
	}

	var codePtr *string
	if code != "" {
		codePtr = &code
	}

	var parentID *uint
	if pn := strings.TrimSpace(it.ParentName); pn != "" && pn != name {
		parent, err := s.ensureParent(tx, idx, pn, res)
		if err != nil {
			return 0, err
		}
		pid := parent.GetID()
		parentID = &pid
	}

	n := idx.find(code, name)
	if n == nil {
		n = PT(new(T))
		n.SetIdentity(name, codePtr)
		n.SetParentID(parentID)
		n.ApplyFields(it.Fields)
		n.SetCompletePath(idx.path(n))
		if err := tx.Create(n).Error; err != nil {
			return 0, err
		}
		idx.add(n)
		res.Created++
		return n.GetID(), nil
	}

	changed := n.ApplyFields(it.Fields)
	moved := false

	if codePtr != nil && n.GetCode() == nil {
		n.SetIdentity(n.GetName(), codePtr)
		idx.byCode[code] = n
		changed = true
	}

	if n.GetName() != name {
		n.SetIdentity(name, n.GetCode())
		moved = true
	}
	if parentID != nil && !sameID(n.GetParentID(), parentID) {
		if err := CheckCycle(n.GetID(), parentID, idx.parentOf); err != nil {
			return 0, err
		}
		n.SetParentID(parentID)
		moved = true
	}
	if p := idx.path(n); p != n.GetCompletePath() {
		n.SetCompletePath(p)
		changed = true
	}

	if !changed && !moved {
		res.Unchanged++
		return n.GetID(), nil
	}

	if err := tx.Save(n).Error; err != nil {
		return 0, err
	}
	if moved {
		if err := s.rematerialize(tx, idx, n); err != nil {
			return 0, err
		}
	}
	res.Updated++
	return n.GetID(), nil
}

func (s *Store[T, PT]) ensureParent(tx *gorm.DB, idx *index[T, PT], name string, res *Result) (PT, error) {
	if p, ok := idx.byName[name]; ok {
		return p, nil
	}

	p := PT(new(T))
	p.SetIdentity(name, nil)
	p.SetCompletePath(name)
	if err := tx.Create(p).Error; err != nil {
		return nil, err
	}
	idx.add(p)
	res.Created++
	return p, nil
}

func sameID(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
