package tickets

import (
	"encoding/hex"
	"encoding/json"
	"slices"

	"golang.org/x/crypto/blake2b"
)

// hashFields is the subset of a work order that decides whether a full
// reconciliation is needed. Both the list and the detail endpoints return
// every one of them, so hashes from either fetch agree.
type hashFields struct {
	ID          int64   `json:"id"`
	UpdatedAt   string  `json:"updatedAt"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	AssigneeIDs []int64 `json:"assigneeIds"`
}

// Hash returns the hex blake2b-256 digest of the change-detection fields.
// Assignee order does not matter.
func Hash(wo WorkOrder) string {
	ids := slices.Clone(wo.AssigneeIDs)
	slices.Sort(ids)
	if ids == nil {
		ids = []int64{}
	}

	// Marshalling a struct of plain fields cannot fail.
	b, _ := json.Marshal(hashFields{
		ID:          wo.ID,
		UpdatedAt:   wo.UpdatedAt,
		Status:      wo.Status,
		Priority:    wo.Priority,
		AssigneeIDs: ids,
	})
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}
