// Package storetest is a behavioural test suite shared by every bot.Store
// implementation.
package storetest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxguard/internal/bot"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/user"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) bot.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s bot.Store)
	}{
		{"Users", testUsers},
		{"CreateAndDuplicate", testCreateAndDuplicate},
		{"AtomicCommit", testAtomicCommit},
		{"MarkUsedOnce", testMarkUsedOnce},
		{"QuantityEdit", testQuantityEdit},
		{"QuantityEditOwnership", testQuantityEditOwnership},
		{"ListOrderAndPaging", testListOrderAndPaging},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// MustUser creates a user and fails the test on error.
func MustUser(t *testing.T, s bot.Store, externalID int64, role user.Role, name string) *user.User {
	t.Helper()
	u := &user.User{ExternalID: externalID, DisplayName: name, Role: role}
	require.NoError(t, s.CreateUser(context.Background(), u))
	require.NotZero(t, u.ID)
	return u
}

// MustPrescription commits a one-item prescription.
func MustPrescription(t *testing.T, s bot.Store, doctorID int64, externalID string) int64 {
	t.Helper()
	id, err := s.CreatePrescription(context.Background(), &prescription.NewPrescription{
		DoctorID:     doctorID,
		ExternalID:   externalID,
		DurationDays: 30,
		Items:        []prescription.Item{{DrugName: "Amoxicillin", Quantity: "20"}},
	})
	require.NoError(t, err)
	return id
}

func testUsers(t *testing.T, s bot.Store) {
	ctx := context.Background()
	admin := MustUser(t, s, 100, user.RoleAdmin, "Root")
	doc := MustUser(t, s, 200, user.RoleDoctor, "Dr. House")
	MustUser(t, s, 300, user.RolePharmacist, "Pharm")

	err := s.CreateUser(ctx, &user.User{ExternalID: 200, Role: user.RolePharmacist})
	assert.ErrorIs(t, err, user.ErrExists)

	got, err := s.UserByExternalID(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, user.RoleDoctor, got.Role)

	_, err = s.UserByExternalID(ctx, 999)
	assert.ErrorIs(t, err, user.ErrNotFound)

	admins, err := s.UsersByRole(ctx, user.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, admin.ID, admins[0].ID)

	_, err = s.DeleteUser(ctx, admin.ID)
	assert.ErrorIs(t, err, user.ErrAdminProtected)

	deleted, err := s.DeleteUser(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), deleted.ExternalID)

	_, err = s.UserByExternalID(ctx, 200)
	assert.ErrorIs(t, err, user.ErrNotFound)
	_, err = s.DeleteUser(ctx, doc.ID)
	assert.ErrorIs(t, err, user.ErrNotFound)

	// A deleted id can be registered again.
	again := MustUser(t, s, 200, user.RolePharmacist, "Dr. House")
	assert.NotEqual(t, doc.ID, again.ID)
}

func testCreateAndDuplicate(t *testing.T, s bot.Store) {
	ctx := context.Background()
	doc := MustUser(t, s, 200, user.RoleDoctor, "Dr. House")

	exists, err := s.ExternalIDExists(ctx, "RX-001")
	require.NoError(t, err)
	assert.False(t, exists)

	id, err := s.CreatePrescription(ctx, &prescription.NewPrescription{
		DoctorID:     doc.ID,
		ExternalID:   "RX-001",
		DurationDays: 30,
		Comment:      "after meals",
		Items:        []prescription.Item{{DrugName: "Amoxicillin", Quantity: "20"}},
	})
	require.NoError(t, err)

	p, err := s.Prescription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusActive, p.Status)
	assert.Equal(t, "RX-001", p.ExternalID)
	assert.Equal(t, 30, p.DurationDays)
	assert.Equal(t, "after meals", p.Comment)
	assert.Equal(t, "Dr. House", p.Doctor.Name())
	require.Len(t, p.Items, 1)
	assert.Equal(t, "Amoxicillin", p.Items[0].DrugName)
	assert.Equal(t, prescription.Quantity("20"), p.Items[0].Quantity)

	byExt, err := s.PrescriptionByExternalID(ctx, "RX-001")
	require.NoError(t, err)
	assert.Equal(t, id, byExt.ID)

	exists, err = s.ExternalIDExists(ctx, "RX-001")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.CreatePrescription(ctx, &prescription.NewPrescription{
		DoctorID:     doc.ID,
		ExternalID:   "RX-001",
		DurationDays: 90,
		Items:        []prescription.Item{{DrugName: "Tramadol", Quantity: "10"}},
	})
	assert.ErrorIs(t, err, prescription.ErrDuplicateExternalID)

	_, total, err := s.ListPrescriptions(ctx, prescription.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// Prescriptions without an external id never collide.
	MustPrescription(t, s, doc.ID, "")
	MustPrescription(t, s, doc.ID, "")

	_, err = s.Prescription(ctx, 987654)
	assert.ErrorIs(t, err, prescription.ErrNotFound)
	_, err = s.PrescriptionByExternalID(ctx, "missing")
	assert.ErrorIs(t, err, prescription.ErrNotFound)
}

func testAtomicCommit(t *testing.T, s bot.Store) {
	ctx := context.Background()
	doc := MustUser(t, s, 200, user.RoleDoctor, "Dr. House")

	_, err := s.CreatePrescription(ctx, &prescription.NewPrescription{
		DoctorID:     doc.ID,
		ExternalID:   "RX-ATOMIC",
		DurationDays: 30,
		Items: []prescription.Item{
			{DrugName: "Morphine", Quantity: "5"},
			{DrugName: "Fentanyl", Quantity: "2"},
			{DrugName: strings.Repeat("x", 300), Quantity: "1"},
		},
	})
	require.Error(t, err)

	exists, err := s.ExternalIDExists(ctx, "RX-ATOMIC")
	require.NoError(t, err)
	assert.False(t, exists)

	rows, total, err := s.ListPrescriptions(ctx, prescription.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)
}

func testMarkUsedOnce(t *testing.T, s bot.Store) {
	ctx := context.Background()
	doc := MustUser(t, s, 200, user.RoleDoctor, "Dr. House")
	ph := &user.User{ExternalID: 300, Handle: "pharm", Role: user.RolePharmacist}
	require.NoError(t, s.CreateUser(ctx, ph))
	id := MustPrescription(t, s, doc.ID, "RX-USE")

	require.NoError(t, s.MarkUsed(ctx, id, ph.ID))

	p, err := s.Prescription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusUsed, p.Status)

	err = s.MarkUsed(ctx, id, ph.ID)
	assert.ErrorIs(t, err, prescription.ErrNotActive)

	entries, err := s.AuditLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, prescription.ActionUsed, entries[0].Action)
	assert.Equal(t, ph.ID, entries[0].ActorID)
	assert.Equal(t, "@pharm", entries[0].Actor())
	assert.JSONEq(t, `{}`, string(entries[0].Changes))

	err = s.MarkUsed(ctx, 987654, ph.ID)
	assert.ErrorIs(t, err, prescription.ErrNotFound)
}

func testQuantityEdit(t *testing.T, s bot.Store) {
	ctx := context.Background()
	doc := MustUser(t, s, 200, user.RoleDoctor, "Dr. House")
	ph := MustUser(t, s, 300, user.RolePharmacist, "Pharm")
	id := MustPrescription(t, s, doc.ID, "RX-EDIT")

	p, err := s.Prescription(ctx, id)
	require.NoError(t, err)
	itemID := p.Items[0].ID

	change, err := s.UpdateItemQuantity(ctx, prescription.QuantityEdit{
		PrescriptionID: id, ItemID: itemID, Quantity: "15", ActorID: ph.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, prescription.Quantity("20"), change.OldQuantity)
	assert.Equal(t, prescription.Quantity("15"), change.NewQuantity)

	_, err = s.UpdateItemQuantity(ctx, prescription.QuantityEdit{
		PrescriptionID: id, ItemID: itemID, Quantity: "12", ActorID: doc.ID, OwnerID: doc.ID,
	})
	require.NoError(t, err)

	_, err = s.UpdateItemQuantity(ctx, prescription.QuantityEdit{
		PrescriptionID: id, ItemID: itemID + 1000, Quantity: "1", ActorID: ph.ID,
	})
	assert.ErrorIs(t, err, prescription.ErrItemNotFound)

	entries, err := s.AuditLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	latest, ok := entries[0].QuantityChange()
	require.True(t, ok)
	assert.Equal(t, prescription.Quantity("15"), latest.OldQuantity)
	assert.Equal(t, prescription.Quantity("12"), latest.NewQuantity)
	assert.Equal(t, itemID, latest.ItemID)

	// Once used, the prescription is frozen.
	require.NoError(t, s.MarkUsed(ctx, id, ph.ID))
	_, err = s.UpdateItemQuantity(ctx, prescription.QuantityEdit{
		PrescriptionID: id, ItemID: itemID, Quantity: "99", ActorID: ph.ID,
	})
	assert.ErrorIs(t, err, prescription.ErrNotActive)

	p, err = s.Prescription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, prescription.Quantity("12"), p.Items[0].Quantity)

	entries, err = s.AuditLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, prescription.ActionUsed, entries[0].Action)
}

func testQuantityEditOwnership(t *testing.T, s bot.Store) {
	ctx := context.Background()
	owner := MustUser(t, s, 200, user.RoleDoctor, "Owner")
	other := MustUser(t, s, 201, user.RoleDoctor, "Other")
	id := MustPrescription(t, s, owner.ID, "")

	p, err := s.Prescription(ctx, id)
	require.NoError(t, err)

	_, err = s.UpdateItemQuantity(ctx, prescription.QuantityEdit{
		PrescriptionID: id, ItemID: p.Items[0].ID, Quantity: "1", ActorID: other.ID, OwnerID: other.ID,
	})
	assert.ErrorIs(t, err, prescription.ErrNotOwner)

	entries, err := s.AuditLog(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testListOrderAndPaging(t *testing.T, s bot.Store) {
	ctx := context.Background()
	doc := MustUser(t, s, 200, user.RoleDoctor, "Dr. House")
	other := MustUser(t, s, 201, user.RoleDoctor, "Other")

	ids := make([]int64, 0, 25)
	for range 25 {
		ids = append(ids, MustPrescription(t, s, doc.ID, ""))
	}
	MustPrescription(t, s, other.ID, "")

	rows, total, err := s.ListPrescriptions(ctx, prescription.ListFilter{DoctorID: doc.ID, Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, rows, 10)
	// Newest first: rank 11 is the 15th prescription created.
	assert.Equal(t, ids[14], rows[0].ID)
	assert.Equal(t, ids[5], rows[9].ID)
	assert.Equal(t, 1, rows[0].ItemCount)

	rows, _, err = s.ListPrescriptions(ctx, prescription.ListFilter{DoctorID: doc.ID, Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	_, total, err = s.ListPrescriptions(ctx, prescription.ListFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 26, total)
}
