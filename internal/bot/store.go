package bot

import (
	"context"

	"github.com/drfirst/go-rxguard/internal/access"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/user"
)

// Store is the persistence contract the engine runs against. Every mutating
// method is all-or-nothing.
type Store interface {
	access.Directory

	CreateUser(ctx context.Context, u *user.User) error
	DeleteUser(ctx context.Context, id int64) (*user.User, error)

	ExternalIDExists(ctx context.Context, externalID string) (bool, error)
	CreatePrescription(ctx context.Context, np *prescription.NewPrescription) (int64, error)
	Prescription(ctx context.Context, id int64) (*prescription.Prescription, error)
	PrescriptionByExternalID(ctx context.Context, externalID string) (*prescription.Prescription, error)
	ListPrescriptions(ctx context.Context, f prescription.ListFilter) ([]prescription.Summary, int, error)
	MarkUsed(ctx context.Context, prescriptionID, actorID int64) error
	UpdateItemQuantity(ctx context.Context, edit prescription.QuantityEdit) (*prescription.QuantityChange, error)
	AuditLog(ctx context.Context, prescriptionID int64) ([]prescription.AuditEntry, error)
}
