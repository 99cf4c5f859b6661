// Package access resolves callers to staff accounts and enforces role capabilities.
package access

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/user"
)

var (
	// ErrUnregistered is returned for callers without a live account.
	ErrUnregistered = errors.New("caller is not registered")
	// ErrForbidden is returned when the caller's role lacks a capability.
	ErrForbidden = errors.New("access denied")
)

// Directory looks up staff accounts.
type Directory interface {
	UserByExternalID(ctx context.Context, externalID int64) (*user.User, error)
	UsersByRole(ctx context.Context, role user.Role) ([]*user.User, error)
}

// Gate attaches identity to inbound actions and checks capabilities.
type Gate struct {
	dir    Directory
	logger *zap.Logger
	tracer trace.Tracer
}

// NewGate creates a gate over dir.
func NewGate(dir Directory, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{dir: dir, logger: logger, tracer: otel.Tracer("access-gate")}
}

// Resolve returns the live account for a platform identity.
func (g *Gate) Resolve(ctx context.Context, externalID int64) (*user.User, error) {
	ctx, span := g.tracer.Start(ctx, "access_resolve",
		trace.WithAttributes(attribute.Int64("caller", externalID)))
	defer span.End()

	u, err := g.dir.UserByExternalID(ctx, externalID)
	if errors.Is(err, user.ErrNotFound) {
		return nil, ErrUnregistered
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolve caller: %w", err)
	}
	span.SetAttributes(attribute.String("role", string(u.Role)))
	return u, nil
}

// Authorize fails with ErrForbidden unless u may invoke c.
func (g *Gate) Authorize(u *user.User, c Capability) error {
	if u == nil || !Allowed(u.Role, c) {
		var role user.Role
		if u != nil {
			role = u.Role
		}
		g.logger.Info("capability denied",
			zap.String("role", string(role)),
			zap.String("capability", string(c)))
		return fmt.Errorf("%w: %s", ErrForbidden, c)
	}
	return nil
}

// CanView checks read access to a single prescription. Doctors see only their own.
func (g *Gate) CanView(u *user.User, p *prescription.Prescription) error {
	if err := g.Authorize(u, LookupPrescription); err != nil {
		return err
	}
	if u.Role == user.RoleDoctor && p.DoctorID != u.ID {
		return prescription.ErrNotOwner
	}
	return nil
}

// CanEditQuantity checks write access to a prescription's items. Admins and
// pharmacists may edit any prescription, doctors only their own.
func (g *Gate) CanEditQuantity(u *user.User, p *prescription.Prescription) error {
	if err := g.Authorize(u, EditQuantity); err != nil {
		return err
	}
	if u.Role == user.RoleDoctor && p.DoctorID != u.ID {
		return prescription.ErrNotOwner
	}
	return nil
}

// OwnerScope returns the owner restriction to apply to a quantity edit.
func OwnerScope(u *user.User) int64 {
	if u != nil && u.Role == user.RoleDoctor {
		return u.ID
	}
	return 0
}

// AdminContacts lists how unregistered callers can reach an administrator.
func (g *Gate) AdminContacts(ctx context.Context) ([]string, error) {
	admins, err := g.dir.UsersByRole(ctx, user.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	contacts := make([]string, 0, len(admins))
	for _, a := range admins {
		if a.Handle != "" {
			contacts = append(contacts, "@"+a.Handle)
		}
	}
	return contacts, nil
}
