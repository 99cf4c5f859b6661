package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/user"
)

type fakeDirectory struct {
	users []*user.User
	err   error
}

func (f *fakeDirectory) UserByExternalID(_ context.Context, externalID int64) (*user.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.users {
		if u.ExternalID == externalID {
			return u, nil
		}
	}
	return nil, user.ErrNotFound
}

func (f *fakeDirectory) UsersByRole(_ context.Context, role user.Role) ([]*user.User, error) {
	var out []*user.User
	for _, u := range f.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, f.err
}

func TestCapabilityTable(t *testing.T) {
	tests := []struct {
		role user.Role
		cap  Capability
		want bool
	}{
		{user.RoleAdmin, ManageUsers, true},
		{user.RoleAdmin, ListAllPrescriptions, true},
		{user.RoleAdmin, MarkUsed, false},
		{user.RoleDoctor, CreatePrescription, true},
		{user.RoleDoctor, ListOwnPrescriptions, true},
		{user.RoleDoctor, ListAllPrescriptions, false},
		{user.RoleDoctor, MarkUsed, false},
		{user.RoleDoctor, ManageUsers, false},
		{user.RolePharmacist, MarkUsed, true},
		{user.RolePharmacist, LookupPrescription, true},
		{user.RolePharmacist, CreatePrescription, false},
		{user.Role("nurse"), LookupPrescription, false},
	}
	for _, tt := range tests {
		if got := Allowed(tt.role, tt.cap); got != tt.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.role, tt.cap, got, tt.want)
		}
	}
	assert.Equal(t, []Capability{LookupPrescription, MarkUsed, EditQuantity}, Capabilities(user.RolePharmacist))
}

func TestGateResolve(t *testing.T) {
	doctor := &user.User{ID: 1, ExternalID: 100, Role: user.RoleDoctor}
	g := NewGate(&fakeDirectory{users: []*user.User{doctor}}, nil)

	u, err := g.Resolve(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, doctor, u)

	_, err = g.Resolve(context.Background(), 999)
	assert.ErrorIs(t, err, ErrUnregistered)

	boom := errors.New("connection refused")
	g = NewGate(&fakeDirectory{err: boom}, nil)
	_, err = g.Resolve(context.Background(), 100)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnregistered)
}

func TestGateOwnership(t *testing.T) {
	g := NewGate(&fakeDirectory{}, nil)
	owner := &user.User{ID: 1, Role: user.RoleDoctor}
	other := &user.User{ID: 2, Role: user.RoleDoctor}
	admin := &user.User{ID: 3, Role: user.RoleAdmin}
	pharmacist := &user.User{ID: 4, Role: user.RolePharmacist}
	p := &prescription.Prescription{ID: 10, DoctorID: owner.ID}

	assert.NoError(t, g.CanView(owner, p))
	assert.ErrorIs(t, g.CanView(other, p), prescription.ErrNotOwner)
	assert.NoError(t, g.CanView(pharmacist, p))

	assert.NoError(t, g.CanEditQuantity(owner, p))
	assert.ErrorIs(t, g.CanEditQuantity(other, p), prescription.ErrNotOwner)
	assert.NoError(t, g.CanEditQuantity(admin, p))
	assert.NoError(t, g.CanEditQuantity(pharmacist, p))

	assert.Equal(t, owner.ID, OwnerScope(owner))
	assert.Zero(t, OwnerScope(admin))
	assert.ErrorIs(t, g.Authorize(nil, LookupPrescription), ErrForbidden)
}

func TestAdminContacts(t *testing.T) {
	g := NewGate(&fakeDirectory{users: []*user.User{
		{ExternalID: 1, Role: user.RoleAdmin, Handle: "root"},
		{ExternalID: 2, Role: user.RoleAdmin},
		{ExternalID: 3, Role: user.RoleDoctor, Handle: "doc"},
	}}, nil)
	contacts, err := g.AdminContacts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"@root"}, contacts)
}
