package prescription

import (
	"encoding/json"
	"time"
)

// ActionType identifies an audited mutation.
type ActionType string

const (
	ActionUsed           ActionType = "used"
	ActionEditedQuantity ActionType = "edited_quantity"
)

// QuantityChange is the payload of an edited_quantity entry.
type QuantityChange struct {
	ItemID      int64    `json:"item_id"`
	OldQuantity Quantity `json:"old_quantity"`
	NewQuantity Quantity `json:"new_quantity"`
}

// AuditEntry is one append-only audit row with its actor resolved.
type AuditEntry struct {
	ID             int64
	PrescriptionID int64
	ActorID        int64
	ActorName      string
	ActorHandle    string
	Action         ActionType
	Changes        json.RawMessage
	CreatedAt      time.Time
}

// Actor returns the label shown in history listings.
func (e AuditEntry) Actor() string {
	switch {
	case e.ActorHandle != "":
		return "@" + e.ActorHandle
	case e.ActorName != "":
		return e.ActorName
	default:
		return "Unknown"
	}
}

// QuantityChange decodes the payload of an edited_quantity entry.
func (e AuditEntry) QuantityChange() (QuantityChange, bool) {
	var qc QuantityChange
	if e.Action != ActionEditedQuantity || len(e.Changes) == 0 {
		return qc, false
	}
	if err := json.Unmarshal(e.Changes, &qc); err != nil {
		return qc, false
	}
	return qc, true
}

// EmptyChanges is the payload stored for a used entry.
var EmptyChanges = json.RawMessage(`{}`)
