// Package prescription implements the prescription record, its draft and its audit trail.
package prescription

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Status represents prescription status
type Status string

const (
	StatusActive Status = "active"
	StatusUsed   Status = "used"
)

const (
	// MaxQuantityLength bounds the free-text quantity.
	MaxQuantityLength = 64
	// MaxDrugNameLength bounds a drug name.
	MaxDrugNameLength = 200
	// MaxExternalIDLength bounds a caller-supplied external id.
	MaxExternalIDLength = 100
	// MaxCommentLength bounds the note left for the pharmacist.
	MaxCommentLength = 1000
	// MaxDurationDays is the upper bound for a custom duration.
	MaxDurationDays = 3650
)

var (
	ErrNotFound            = errors.New("prescription not found")
	ErrItemNotFound        = errors.New("prescription item not found")
	ErrDuplicateExternalID = errors.New("prescription with this external id is already registered")
	ErrNotActive           = errors.New("prescription is not active")
	ErrNotOwner            = errors.New("prescription belongs to another doctor")

	ErrEmptyDrugName   = errors.New("drug name is required")
	ErrDrugNameTooLong = errors.New("drug name is too long")
	ErrInvalidQuantity = errors.New("quantity is required")
	ErrInvalidDuration = errors.New("duration must be a positive number of days")
	ErrCommentTooLong  = errors.New("comment is too long")
	ErrInvalidExternal = errors.New("external id is invalid")
	ErrDraftNotReady   = errors.New("add at least one drug with a quantity")
	ErrItemIndex       = errors.New("no item at that position")
	ErrDraftIncomplete = errors.New("draft is incomplete")
)

// Quantity is the prescribed amount as entered, e.g. "20" or "2 packs of 10".
type Quantity string

// ParseQuantity validates user input and returns the stored form.
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" || len([]rune(s)) > MaxQuantityLength {
		return "", ErrInvalidQuantity
	}
	return Quantity(s), nil
}

// Assigned reports whether a quantity has been set.
func (q Quantity) Assigned() bool { return strings.TrimSpace(string(q)) != "" }

// Amount extracts the first run of digits. Text without digits yields zero.
func (q Quantity) Amount() int {
	s := string(q)
	start := strings.IndexAny(s, "0123456789")
	if start < 0 {
		return 0
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return 0
	}
	return n
}

func (q Quantity) String() string { return string(q) }

// Item is one drug line of a prescription.
type Item struct {
	ID             int64    `json:"id,omitempty"`
	PrescriptionID int64    `json:"prescription_id,omitempty"`
	DrugName       string   `json:"drug_name"`
	Quantity       Quantity `json:"quantity,omitempty"`
}

// Doctor is the author of a prescription as shown to readers.
type Doctor struct {
	ID          int64
	ExternalID  int64
	DisplayName string
	Handle      string
}

// Name returns the doctor's display label.
func (d Doctor) Name() string {
	switch {
	case d.DisplayName != "":
		return d.DisplayName
	case d.Handle != "":
		return "@" + d.Handle
	default:
		return "N/A"
	}
}

// Prescription is a stored prescription with its items.
type Prescription struct {
	ID           int64
	DoctorID     int64
	Doctor       Doctor
	ExternalID   string
	DurationDays int
	Comment      string
	Status       Status
	CreatedAt    time.Time
	Items        []Item
}

// ExpiresAt returns the end of the validity window.
func (p *Prescription) ExpiresAt() time.Time {
	return p.CreatedAt.AddDate(0, 0, p.DurationDays)
}

// IsExpired reports whether the validity window has passed at now.
func (p *Prescription) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt())
}

// IsActive reports whether the prescription can still be dispensed or edited.
func (p *Prescription) IsActive() bool { return p.Status == StatusActive }

// Item returns the line with the given id.
func (p *Prescription) Item(id int64) (Item, bool) {
	for _, it := range p.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Summary is a list row.
type Summary struct {
	ID           int64
	Doctor       Doctor
	ExternalID   string
	DurationDays int
	Status       Status
	CreatedAt    time.Time
	ItemCount    int
}

// ListFilter narrows a prescription listing. A zero DoctorID lists everything.
type ListFilter struct {
	DoctorID int64
	Limit    int
	Offset   int
}

// NewPrescription is a validated draft ready for the atomic commit.
type NewPrescription struct {
	DoctorID     int64
	ExternalID   string
	DurationDays int
	Comment      string
	Items        []Item
}

// Validate checks the fields the storage layer relies on.
func (n *NewPrescription) Validate() error {
	if n.DoctorID <= 0 || len(n.Items) == 0 {
		return ErrDraftIncomplete
	}
	if n.DurationDays <= 0 {
		return ErrInvalidDuration
	}
	if len([]rune(n.Comment)) > MaxCommentLength {
		return ErrCommentTooLong
	}
	for _, it := range n.Items {
		if strings.TrimSpace(it.DrugName) == "" {
			return ErrEmptyDrugName
		}
		if len([]rune(it.DrugName)) > MaxDrugNameLength {
			return ErrDrugNameTooLong
		}
		if !it.Quantity.Assigned() {
			return ErrInvalidQuantity
		}
	}
	return nil
}

// QuantityEdit requests a change of one item's quantity.
type QuantityEdit struct {
	PrescriptionID int64
	ItemID         int64
	Quantity       Quantity
	ActorID        int64
	// OwnerID restricts the edit to prescriptions written by this doctor when non-zero.
	OwnerID int64
}

// NormalizeExternalID trims and validates a caller-supplied external id.
func NormalizeExternalID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || len([]rune(s)) > MaxExternalIDLength {
		return "", ErrInvalidExternal
	}
	return s, nil
}
