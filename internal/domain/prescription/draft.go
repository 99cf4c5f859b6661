package prescription

import (
	"strconv"
	"strings"
)

// DurationPresets are the validity windows offered as one-tap choices.
var DurationPresets = []int{30, 90, 180, 365}

// Draft is a prescription being assembled in a conversation. It is never persisted
// as a prescription until Build succeeds and the caller commits the result.
type Draft struct {
	ExternalID   string `json:"external_id,omitempty"`
	Items        []Item `json:"items"`
	Comment      string `json:"comment,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
}

// AddDrug appends a new line awaiting its quantity.
func (d *Draft) AddDrug(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyDrugName
	}
	if len([]rune(name)) > MaxDrugNameLength {
		return ErrDrugNameTooLong
	}
	d.Items = append(d.Items, Item{DrugName: name})
	return nil
}

// Pending returns the line still waiting for a quantity.
func (d *Draft) Pending() (Item, bool) {
	if n := len(d.Items); n > 0 && !d.Items[n-1].Quantity.Assigned() {
		return d.Items[n-1], true
	}
	return Item{}, false
}

// AssignQuantity sets the quantity of the pending line.
func (d *Draft) AssignQuantity(raw string) error {
	q, err := ParseQuantity(raw)
	if err != nil {
		return err
	}
	if _, ok := d.Pending(); !ok {
		return ErrItemIndex
	}
	d.Items[len(d.Items)-1].Quantity = q
	return nil
}

// Remove deletes the line at index.
func (d *Draft) Remove(index int) (Item, error) {
	if index < 0 || index >= len(d.Items) {
		return Item{}, ErrItemIndex
	}
	removed := d.Items[index]
	d.Items = append(d.Items[:index:index], d.Items[index+1:]...)
	return removed, nil
}

// Ready reports whether the item list may be closed: at least one line and every
// line carries a quantity.
func (d *Draft) Ready() bool {
	if len(d.Items) == 0 {
		return false
	}
	for _, it := range d.Items {
		if !it.Quantity.Assigned() {
			return false
		}
	}
	return true
}

// SetComment stores an optional free-text note. Blank text clears it.
func (d *Draft) SetComment(c string) error {
	c = strings.TrimSpace(c)
	if len([]rune(c)) > MaxCommentLength {
		return ErrCommentTooLong
	}
	d.Comment = c
	return nil
}

// SetDuration stores the validity window.
func (d *Draft) SetDuration(days int) error {
	if days <= 0 || days > MaxDurationDays {
		return ErrInvalidDuration
	}
	d.DurationDays = days
	return nil
}

// ParseDuration parses a custom duration entered as text.
func ParseDuration(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 || n > MaxDurationDays {
		return 0, ErrInvalidDuration
	}
	return n, nil
}

// Build validates the draft and returns the record to commit.
func (d *Draft) Build(doctorID int64) (*NewPrescription, error) {
	if !d.Ready() {
		return nil, ErrDraftNotReady
	}
	if d.DurationDays <= 0 {
		return nil, ErrInvalidDuration
	}
	items := make([]Item, len(d.Items))
	copy(items, d.Items)
	np := &NewPrescription{
		DoctorID:     doctorID,
		ExternalID:   d.ExternalID,
		DurationDays: d.DurationDays,
		Comment:      d.Comment,
		Items:        items,
	}
	if err := np.Validate(); err != nil {
		return nil, err
	}
	return np, nil
}
