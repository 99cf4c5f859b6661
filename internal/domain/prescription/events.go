package prescription

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventType names a prescription change streamed to the audit topic.
type EventType string

const (
	EventPrescriptionCreated   EventType = "prescription.created"
	EventPrescriptionUsed      EventType = "prescription.used"
	EventPrescriptionQtyEdited EventType = "prescription.quantity_edited"
)

// AggregateType is the outbox aggregate name for prescriptions.
const AggregateType = "Prescription"

// Event is the audit record relayed through the outbox.
type Event struct {
	ID             string          `json:"id"`
	PrescriptionID int64           `json:"prescription_id"`
	EventType      EventType       `json:"event_type"`
	ActorID        int64           `json:"actor_id"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEvent stamps an event with a fresh id. data, when not nil, is stored as JSON.
func NewEvent(prescriptionID, actorID int64, eventType EventType, data any) (*Event, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Event{
		ID:             uuid.NewString(),
		PrescriptionID: prescriptionID,
		EventType:      eventType,
		ActorID:        actorID,
		Data:           raw,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// Key is the partition key used when the event is streamed.
func (e *Event) Key() string { return strconv.FormatInt(e.PrescriptionID, 10) }

// CreatedData is carried by prescription.created.
type CreatedData struct {
	ExternalID   string `json:"external_id,omitempty"`
	DurationDays int    `json:"duration_days"`
	Items        []Item `json:"items"`
}
