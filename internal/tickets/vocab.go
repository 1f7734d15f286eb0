package tickets

import "strings"

// Local task statuses.
const (
	StatusNew      = "new"
	StatusAssigned = "assigned"
	StatusOnHold   = "on_hold"
	StatusDone     = "done"
	StatusCancel   = "cancel"
)

var statusMap = map[string]string{
	"OPEN":        StatusNew,
	"IN_PROGRESS": StatusAssigned,
	"ON_HOLD":     StatusOnHold,
	"DONE":        StatusDone,
	"CANCELLED":   StatusCancel,
	"CANCELED":    StatusCancel,
}

var priorityMap = map[string]int{
	"NONE":   0,
	"LOW":    1,
	"MEDIUM": 2,
	"HIGH":   3,
}

// Status maps a MaintainX status to the local one; unknown values map to new.
func Status(external string) string {
	if s, ok := statusMap[strings.ToUpper(strings.TrimSpace(external))]; ok {
		return s
	}
	return StatusNew
}

// Priority maps a MaintainX priority to the local 0..3 scale; unknown values map to 0.
func Priority(external string) int {
	return priorityMap[strings.ToUpper(strings.TrimSpace(external))]
}
