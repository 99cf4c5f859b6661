// Package memstore is an in-memory implementation of the bot store. Each
// mutation runs against a staged copy of the state that replaces the live state
// only when the whole operation succeeds.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/user"
)

type userRow struct {
	user.User
	deleted bool
}

type auditRow struct {
	id             int64
	prescriptionID int64
	actorID        int64
	action         prescription.ActionType
	changes        json.RawMessage
	createdAt      time.Time
}

type state struct {
	users         map[int64]userRow
	prescriptions map[int64]prescription.Prescription
	externalIDs   map[string]int64
	audit         []auditRow

	nextUser, nextPrescription, nextItem, nextAudit int64
}

func newState() state {
	return state{
		users:         map[int64]userRow{},
		prescriptions: map[int64]prescription.Prescription{},
		externalIDs:   map[string]int64{},
	}
}

func (s state) clone() state {
	c := s
	c.users = make(map[int64]userRow, len(s.users))
	for k, v := range s.users {
		c.users[k] = v
	}
	c.prescriptions = make(map[int64]prescription.Prescription, len(s.prescriptions))
	for k, v := range s.prescriptions {
		v.Items = append([]prescription.Item(nil), v.Items...)
		c.prescriptions[k] = v
	}
	c.externalIDs = make(map[string]int64, len(s.externalIDs))
	for k, v := range s.externalIDs {
		c.externalIDs[k] = v
	}
	c.audit = append([]auditRow(nil), s.audit...)
	return c
}

// Store is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	state state
	now   func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the time source for created_at columns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{state: newState(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// update runs fn against a staged copy and publishes it only if fn succeeds.
func (s *Store) update(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.state.clone()
	if err := fn(&staged); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *Store) UserByExternalID(ctx context.Context, externalID int64) (*user.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.state.users {
		if !r.deleted && r.ExternalID == externalID {
			u := r.User
			return &u, nil
		}
	}
	return nil, user.ErrNotFound
}

func (s *Store) UsersByRole(ctx context.Context, role user.Role) ([]*user.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*user.User
	for _, r := range s.state.users {
		if !r.deleted && r.Role == role {
			u := r.User
			out = append(out, &u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, u *user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !u.Role.Valid() {
		return fmt.Errorf("%w: %q", user.ErrInvalidRole, u.Role)
	}
	if u.ExternalID <= 0 {
		return fmt.Errorf("external id must be positive")
	}
	return s.update(func(st *state) error {
		for _, r := range st.users {
			if !r.deleted && r.ExternalID == u.ExternalID {
				return user.ErrExists
			}
		}
		st.nextUser++
		u.ID = st.nextUser
		u.Handle = user.NormalizeHandle(u.Handle)
		u.CreatedAt = s.now()
		st.users[u.ID] = userRow{User: *u}
		return nil
	})
}

func (s *Store) DeleteUser(ctx context.Context, id int64) (*user.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var deleted user.User
	err := s.update(func(st *state) error {
		r, ok := st.users[id]
		if !ok || r.deleted {
			return user.ErrNotFound
		}
		if r.Role == user.RoleAdmin {
			return user.ErrAdminProtected
		}
		r.deleted = true
		st.users[id] = r
		deleted = r.User
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &deleted, nil
}

func (s *Store) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state.externalIDs[externalID]
	return ok, nil
}

// CreatePrescription inserts the prescription and all items or nothing. The
// column constraints of the relational schema are enforced here.
func (s *Store) CreatePrescription(ctx context.Context, np *prescription.NewPrescription) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var id int64
	err := s.update(func(st *state) error {
		if _, ok := st.users[np.DoctorID]; !ok {
			return fmt.Errorf("insert prescription: doctor %d: %w", np.DoctorID, user.ErrNotFound)
		}
		if np.DurationDays <= 0 {
			return fmt.Errorf("insert prescription: %w", prescription.ErrInvalidDuration)
		}
		if np.ExternalID != "" {
			if _, dup := st.externalIDs[np.ExternalID]; dup {
				return prescription.ErrDuplicateExternalID
			}
		}

		st.nextPrescription++
		p := prescription.Prescription{
			ID:           st.nextPrescription,
			DoctorID:     np.DoctorID,
			ExternalID:   np.ExternalID,
			DurationDays: np.DurationDays,
			Comment:      np.Comment,
			Status:       prescription.StatusActive,
			CreatedAt:    s.now(),
		}
		if p.ExternalID != "" {
			st.externalIDs[p.ExternalID] = p.ID
		}

		for i, it := range np.Items {
			name := strings.TrimSpace(it.DrugName)
			switch {
			case name == "":
				return fmt.Errorf("insert item %d: %w", i, prescription.ErrEmptyDrugName)
			case len([]rune(name)) > prescription.MaxDrugNameLength:
				return fmt.Errorf("insert item %d: %w", i, prescription.ErrDrugNameTooLong)
			}
			st.nextItem++
			p.Items = append(p.Items, prescription.Item{
				ID:             st.nextItem,
				PrescriptionID: p.ID,
				DrugName:       name,
				Quantity:       it.Quantity,
			})
		}
		st.prescriptions[p.ID] = p
		id = p.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) doctor(st *state, id int64) prescription.Doctor {
	r, ok := st.users[id]
	if !ok {
		return prescription.Doctor{ID: id}
	}
	return prescription.Doctor{ID: r.ID, ExternalID: r.ExternalID, DisplayName: r.DisplayName, Handle: r.Handle}
}

func (s *Store) Prescription(ctx context.Context, id int64) (*prescription.Prescription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.prescriptions[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	p.Items = append([]prescription.Item(nil), p.Items...)
	p.Doctor = s.doctor(&s.state, p.DoctorID)
	return &p, nil
}

func (s *Store) PrescriptionByExternalID(ctx context.Context, externalID string) (*prescription.Prescription, error) {
	s.mu.RLock()
	id, ok := s.state.externalIDs[externalID]
	s.mu.RUnlock()
	if !ok {
		return nil, prescription.ErrNotFound
	}
	return s.Prescription(ctx, id)
}

func (s *Store) ListPrescriptions(ctx context.Context, f prescription.ListFilter) ([]prescription.Summary, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []prescription.Prescription
	for _, p := range s.state.prescriptions {
		if f.DoctorID == 0 || p.DoctorID == f.DoctorID {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := min(max(f.Offset, 0), total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}

	rows := make([]prescription.Summary, 0, end-start)
	for _, p := range matched[start:end] {
		rows = append(rows, prescription.Summary{
			ID:           p.ID,
			Doctor:       s.doctor(&s.state, p.DoctorID),
			ExternalID:   p.ExternalID,
			DurationDays: p.DurationDays,
			Status:       p.Status,
			CreatedAt:    p.CreatedAt,
			ItemCount:    len(p.Items),
		})
	}
	return rows, total, nil
}

func (s *Store) MarkUsed(ctx context.Context, prescriptionID, actorID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.update(func(st *state) error {
		p, ok := st.prescriptions[prescriptionID]
		if !ok {
			return prescription.ErrNotFound
		}
		if !p.IsActive() {
			return prescription.ErrNotActive
		}
		p.Status = prescription.StatusUsed
		st.prescriptions[p.ID] = p
		st.appendAudit(p.ID, actorID, prescription.ActionUsed, prescription.EmptyChanges, s.now())
		return nil
	})
}

func (s *Store) UpdateItemQuantity(ctx context.Context, edit prescription.QuantityEdit) (*prescription.QuantityChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !edit.Quantity.Assigned() {
		return nil, prescription.ErrInvalidQuantity
	}
	var change prescription.QuantityChange
	err := s.update(func(st *state) error {
		p, ok := st.prescriptions[edit.PrescriptionID]
		if !ok {
			return prescription.ErrNotFound
		}
		if edit.OwnerID != 0 && p.DoctorID != edit.OwnerID {
			return prescription.ErrNotOwner
		}
		if !p.IsActive() {
			return prescription.ErrNotActive
		}
		idx := -1
		for i, it := range p.Items {
			if it.ID == edit.ItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return prescription.ErrItemNotFound
		}

		change = prescription.QuantityChange{
			ItemID:      edit.ItemID,
			OldQuantity: p.Items[idx].Quantity,
			NewQuantity: edit.Quantity,
		}
		raw, err := json.Marshal(change)
		if err != nil {
			return fmt.Errorf("marshal changes: %w", err)
		}
		p.Items[idx].Quantity = edit.Quantity
		st.prescriptions[p.ID] = p
		st.appendAudit(p.ID, edit.ActorID, prescription.ActionEditedQuantity, raw, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &change, nil
}

func (st *state) appendAudit(prescriptionID, actorID int64, action prescription.ActionType, changes json.RawMessage, at time.Time) {
	st.nextAudit++
	st.audit = append(st.audit, auditRow{
		id:             st.nextAudit,
		prescriptionID: prescriptionID,
		actorID:        actorID,
		action:         action,
		changes:        changes,
		createdAt:      at,
	})
}

// AuditLog returns the entries of one prescription, newest first.
func (s *Store) AuditLog(ctx context.Context, prescriptionID int64) ([]prescription.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []prescription.AuditEntry
	for i := len(s.state.audit) - 1; i >= 0; i-- {
		r := s.state.audit[i]
		if r.prescriptionID != prescriptionID {
			continue
		}
		e := prescription.AuditEntry{
			ID:             r.id,
			PrescriptionID: r.prescriptionID,
			ActorID:        r.actorID,
			Action:         r.action,
			Changes:        append(json.RawMessage(nil), r.changes...),
			CreatedAt:      r.createdAt,
		}
		if u, ok := s.state.users[r.actorID]; ok {
			e.ActorName = u.DisplayName
			e.ActorHandle = u.Handle
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
