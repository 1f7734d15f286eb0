package db

import (
	"bytes"
	"encoding/json"

	"gorm.io/datatypes"
)

// NodeFields are the optional payload fields a dictionary sync may set.
// Nil pointers leave the stored value untouched.
type NodeFields struct {
	DefaultTag   *string
	DefaultValue *int64
	Category     *string
	IsCumulative *bool
	Extra        map[string]any
}

// Node is implemented by the self-referential dictionary tables.
type Node interface {
	GetID() uint
	GetName() string
	GetCode() *string
	GetParentID() *uint
	SetParentID(id *uint)
	GetCompletePath() string
	SetCompletePath(path string)
	SetIdentity(name string, code *string)
	ApplyFields(f NodeFields) bool
}

func (e *EventEntry) GetID() uint              { return e.ID }
func (e *EventEntry) GetName() string          { return e.Name }
func (e *EventEntry) GetCode() *string         { return e.Code }
func (e *EventEntry) GetParentID() *uint       { return e.ParentID }
func (e *EventEntry) SetParentID(id *uint)     { e.ParentID = id }
func (e *EventEntry) GetCompletePath() string  { return e.CompletePath }
func (e *EventEntry) SetCompletePath(p string) { e.CompletePath = p }
func (e *EventEntry) SetIdentity(name string, code *string) {
	e.Name, e.Code = name, code
}

// ApplyFields copies the set fields and reports whether anything changed.
func (e *EventEntry) ApplyFields(f NodeFields) bool {
	changed := false
	if f.DefaultTag != nil && *f.DefaultTag != e.DefaultTag {
		e.DefaultTag, changed = *f.DefaultTag, true
	}
	if f.DefaultValue != nil && *f.DefaultValue != e.DefaultValue {
		e.DefaultValue, changed = *f.DefaultValue, true
	}
	if f.Category != nil && *f.Category != e.Category {
		e.Category, changed = *f.Category, true
	}
	if mergeExtra(&e.Extra, f.Extra) {
		changed = true
	}
	return changed
}

func (c *CountEntry) GetID() uint              { return c.ID }
func (c *CountEntry) GetName() string          { return c.Name }
func (c *CountEntry) GetCode() *string         { return c.Code }
func (c *CountEntry) GetParentID() *uint       { return c.ParentID }
func (c *CountEntry) SetParentID(id *uint)     { c.ParentID = id }
func (c *CountEntry) GetCompletePath() string  { return c.CompletePath }
func (c *CountEntry) SetCompletePath(p string) { c.CompletePath = p }
func (c *CountEntry) SetIdentity(name string, code *string) {
	c.Name, c.Code = name, code
}

func (c *CountEntry) ApplyFields(f NodeFields) bool {
	changed := false
	if f.DefaultTag != nil && *f.DefaultTag != c.DefaultTag {
		c.DefaultTag, changed = *f.DefaultTag, true
	}
	if f.IsCumulative != nil && *f.IsCumulative != c.IsCumulative {
		c.IsCumulative, changed = *f.IsCumulative, true
	}
	if mergeExtra(&c.Extra, f.Extra) {
		changed = true
	}
	return changed
}

// mergeExtra sets the incoming keys on dst. Values are compared by their
// JSON encoding since stored numbers come back as float64.
func mergeExtra(dst *datatypes.JSONMap, in map[string]any) bool {
	if len(in) == 0 {
		return false
	}
	if *dst == nil {
		*dst = datatypes.JSONMap{}
	}

	changed := false
	for k, v := range in {
		if cur, ok := (*dst)[k]; ok && jsonEqual(cur, v) {
			continue
		}
		(*dst)[k] = v
		changed = true
	}
	return changed
}

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
