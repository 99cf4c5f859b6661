// Package session holds per-caller conversation state.
package session

import (
	"context"

	"github.com/drfirst/go-rxguard/internal/domain/prescription"
)

// Step is a node of the conversation state machine. The zero value is idle.
type Step string

const (
	StepIdle Step = ""

	StepExternalID     Step = "collecting_external_id"
	StepDrugName       Step = "collecting_drug_name"
	StepQuantity       Step = "collecting_quantity"
	StepReviewItems    Step = "reviewing_items"
	StepComment        Step = "collecting_comment"
	StepDuration       Step = "selecting_duration"
	StepCustomDuration Step = "collecting_custom_duration"
	StepConfirm        Step = "confirming"

	StepLookup      Step = "collecting_lookup_id"
	StepNewQuantity Step = "collecting_new_quantity"

	StepUserIdentity Step = "collecting_user_identity"
	StepUserRole     Step = "selecting_user_role"
)

// PendingUser is an account being added by an admin.
type PendingUser struct {
	ExternalID  int64  `json:"external_id"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Session is the scratch state of one caller.
type Session struct {
	Step           Step                `json:"step"`
	Draft          *prescription.Draft `json:"draft,omitempty"`
	PrescriptionID int64               `json:"prescription_id,omitempty"`
	ItemID         int64               `json:"item_id,omitempty"`
	PendingUser    *PendingUser        `json:"pending_user,omitempty"`
}

// Idle reports whether no flow is in progress.
func (s *Session) Idle() bool { return s.Step == StepIdle }

// Reset discards all scratch state.
func (s *Session) Reset() { *s = Session{} }

// Store persists sessions keyed by caller identity.
type Store interface {
	Load(ctx context.Context, callerID int64) (*Session, error)
	Save(ctx context.Context, callerID int64, s *Session) error
	Clear(ctx context.Context, callerID int64) error
}
