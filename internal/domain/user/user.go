// Package user defines staff accounts and their roles.
package user

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of staff roles.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDoctor     Role = "doctor"
	RolePharmacist Role = "pharmacist"
)

var (
	// ErrNotFound is returned when no live user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrExists is returned when a live user already holds the external id.
	ErrExists = errors.New("user already registered")
	// ErrAdminProtected is returned on an attempt to delete an admin.
	ErrAdminProtected = errors.New("admin users cannot be deleted")
	// ErrInvalidRole is returned for a role outside the known set.
	ErrInvalidRole = errors.New("invalid role")
)

// ParseRole converts a stored or user-supplied value into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleDoctor, RolePharmacist:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// User is a registered staff account.
type User struct {
	ID          int64
	ExternalID  int64
	DisplayName string
	Handle      string
	Role        Role
	CreatedAt   time.Time
}

// Name returns the best human label for the user.
func (u *User) Name() string {
	switch {
	case u == nil:
		return "N/A"
	case u.DisplayName != "":
		return u.DisplayName
	case u.Handle != "":
		return "@" + u.Handle
	default:
		return fmt.Sprintf("id %d", u.ExternalID)
	}
}

// NormalizeHandle strips a leading @ and surrounding whitespace.
func NormalizeHandle(h string) string {
	return strings.TrimPrefix(strings.TrimSpace(h), "@")
}
