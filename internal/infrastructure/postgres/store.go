// Package postgres provides PostgreSQL infrastructure components: the ledger
// store, the session store, schema migrations and the transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/domain/prescription"
)

// StoreConfig holds store configuration
type StoreConfig struct {
	// AuditTopic receives the outbox events written with each mutation
	AuditTopic string
}

// DefaultStoreConfig returns the default topic layout.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{AuditTopic: "prescription.audit"}
}

// Store implements the ledger on PostgreSQL. Every mutation runs in one
// transaction together with its audit row and outbox entry.
type Store struct {
	pool   *pgxpool.Pool
	config StoreConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a store over pool.
func NewStore(pool *pgxpool.Pool, cfg StoreConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AuditTopic == "" {
		cfg.AuditTopic = DefaultStoreConfig().AuditTopic
	}
	return &Store{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Store) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prescriptions WHERE external_id = $1)`, externalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check external id: %w", err)
	}
	return exists, nil
}

// CreatePrescription inserts the prescription, its items and the created event
// in one transaction.
func (s *Store) CreatePrescription(ctx context.Context, np *prescription.NewPrescription) (id int64, err error) {
	ctx, span := s.span(ctx, "store.create_prescription",
		attribute.Int64("doctor_id", np.DoctorID),
		attribute.Int("items", len(np.Items)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if np.ExternalID != "" {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM prescriptions WHERE external_id = $1)`, np.ExternalID,
		).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check external id: %w", err)
		}
		if exists {
			return 0, prescription.ErrDuplicateExternalID
		}
	}

	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO prescriptions (doctor_id, external_id, duration_days, comment)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		RETURNING id, created_at
	`, np.DoctorID, np.ExternalID, np.DurationDays, np.Comment).Scan(&id, &createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, prescription.ErrDuplicateExternalID
		}
		return 0, fmt.Errorf("insert prescription: %w", constraintErr(err))
	}

	items := make([]prescription.Item, 0, len(np.Items))
	for i, it := range np.Items {
		row := prescription.Item{
			PrescriptionID: id,
			DrugName:       strings.TrimSpace(it.DrugName),
			Quantity:       it.Quantity,
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO prescription_items (prescription_id, drug_name, quantity)
			VALUES ($1, $2, $3)
			RETURNING id
		`, id, row.DrugName, string(row.Quantity)).Scan(&row.ID); err != nil {
			return 0, fmt.Errorf("insert item %d: %w", i, constraintErr(err))
		}
		items = append(items, row)
	}

	if err := s.emit(ctx, tx, id, np.DoctorID, prescription.EventPrescriptionCreated, prescription.CreatedData{
		ExternalID:   np.ExternalID,
		DurationDays: np.DurationDays,
		Items:        items,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return 0, prescription.ErrDuplicateExternalID
		}
		return 0, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("prescription stored", zap.Int64("prescription_id", id))
	return id, nil
}

func constraintErr(err error) error {
	if isConstraintViolation(err) {
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	}
	return err
}

// emit writes a domain event to the outbox inside tx.
func (s *Store) emit(ctx context.Context, tx pgx.Tx, prescriptionID, actorID int64, eventType prescription.EventType, data any) error {
	event, err := prescription.NewEvent(prescriptionID, actorID, eventType, data)
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   event.Key(),
		AggregateType: prescription.AggregateType,
		EventType:     string(eventType),
		Payload:       payload,
		KafkaTopic:    s.config.AuditTopic,
		KafkaKey:      event.Key(),
	})
}

const selectPrescription = `
	SELECT p.id, p.doctor_id, COALESCE(p.external_id, ''), p.duration_days, p.comment, p.status, p.created_at,
	       u.external_id, u.display_name, u.handle
	FROM prescriptions p
	JOIN users u ON u.id = p.doctor_id
`

func (s *Store) Prescription(ctx context.Context, id int64) (*prescription.Prescription, error) {
	p := &prescription.Prescription{}
	var status string
	err := s.pool.QueryRow(ctx, selectPrescription+` WHERE p.id = $1`, id).Scan(
		&p.ID, &p.DoctorID, &p.ExternalID, &p.DurationDays, &p.Comment, &status, &p.CreatedAt,
		&p.Doctor.ExternalID, &p.Doctor.DisplayName, &p.Doctor.Handle,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select prescription: %w", err)
	}
	p.Status = prescription.Status(status)
	p.Doctor.ID = p.DoctorID

	rows, err := s.pool.Query(ctx, `
		SELECT id, prescription_id, drug_name, quantity
		FROM prescription_items
		WHERE prescription_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it  prescription.Item
			qty string
		)
		if err := rows.Scan(&it.ID, &it.PrescriptionID, &it.DrugName, &qty); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Quantity = prescription.Quantity(qty)
		p.Items = append(p.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return p, nil
}

func (s *Store) PrescriptionByExternalID(ctx context.Context, externalID string) (*prescription.Prescription, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM prescriptions WHERE external_id = $1`, externalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select prescription by external id: %w", err)
	}
	return s.Prescription(ctx, id)
}

// ListPrescriptions returns one page newest first and the total row count.
func (s *Store) ListPrescriptions(ctx context.Context, f prescription.ListFilter) ([]prescription.Summary, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM prescriptions WHERE $1::bigint = 0 OR doctor_id = $1`, f.DoctorID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}

	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.doctor_id, COALESCE(p.external_id, ''), p.duration_days, p.status, p.created_at,
		       u.external_id, u.display_name, u.handle,
		       (SELECT COUNT(*) FROM prescription_items i WHERE i.prescription_id = p.id)
		FROM prescriptions p
		JOIN users u ON u.id = p.doctor_id
		WHERE $1::bigint = 0 OR p.doctor_id = $1
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT $2 OFFSET $3
	`, f.DoctorID, limit, max(f.Offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	var out []prescription.Summary
	for rows.Next() {
		var (
			r      prescription.Summary
			status string
		)
		if err := rows.Scan(&r.ID, &r.Doctor.ID, &r.ExternalID, &r.DurationDays, &status, &r.CreatedAt,
			&r.Doctor.ExternalID, &r.Doctor.DisplayName, &r.Doctor.Handle, &r.ItemCount); err != nil {
			return nil, 0, fmt.Errorf("scan summary: %w", err)
		}
		r.Status = prescription.Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, total, nil
}

// MarkUsed flips an active prescription to used and records the audit entry.
func (s *Store) MarkUsed(ctx context.Context, prescriptionID, actorID int64) (err error) {
	ctx, span := s.span(ctx, "store.mark_used", attribute.Int64("prescription_id", prescriptionID))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE prescriptions SET status = $1 WHERE id = $2 AND status = $3`,
		string(prescription.StatusUsed), prescriptionID, string(prescription.StatusActive))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM prescriptions WHERE id = $1)`, prescriptionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check prescription: %w", err)
		}
		if !exists {
			return prescription.ErrNotFound
		}
		return prescription.ErrNotActive
	}

	if err := insertAudit(ctx, tx, prescriptionID, actorID, prescription.ActionUsed, prescription.EmptyChanges); err != nil {
		return err
	}
	if err := s.emit(ctx, tx, prescriptionID, actorID, prescription.EventPrescriptionUsed, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateItemQuantity changes one item's quantity while the prescription is
// active and records old and new values in the audit log.
func (s *Store) UpdateItemQuantity(ctx context.Context, edit prescription.QuantityEdit) (change *prescription.QuantityChange, err error) {
	ctx, span := s.span(ctx, "store.update_item_quantity",
		attribute.Int64("prescription_id", edit.PrescriptionID),
		attribute.Int64("item_id", edit.ItemID))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if !edit.Quantity.Assigned() {
		return nil, prescription.ErrInvalidQuantity
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		doctorID int64
		status   string
	)
	err = tx.QueryRow(ctx,
		`SELECT doctor_id, status FROM prescriptions WHERE id = $1 FOR UPDATE`, edit.PrescriptionID,
	).Scan(&doctorID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock prescription: %w", err)
	}
	if edit.OwnerID != 0 && doctorID != edit.OwnerID {
		return nil, prescription.ErrNotOwner
	}
	if prescription.Status(status) != prescription.StatusActive {
		return nil, prescription.ErrNotActive
	}

	var old string
	err = tx.QueryRow(ctx,
		`SELECT quantity FROM prescription_items WHERE id = $1 AND prescription_id = $2 FOR UPDATE`,
		edit.ItemID, edit.PrescriptionID,
	).Scan(&old)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock item: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE prescription_items SET quantity = $1 WHERE id = $2`, string(edit.Quantity), edit.ItemID,
	); err != nil {
		return nil, fmt.Errorf("update quantity: %w", constraintErr(err))
	}

	change = &prescription.QuantityChange{
		ItemID:      edit.ItemID,
		OldQuantity: prescription.Quantity(old),
		NewQuantity: edit.Quantity,
	}
	raw, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("marshal changes: %w", err)
	}
	if err := insertAudit(ctx, tx, edit.PrescriptionID, edit.ActorID, prescription.ActionEditedQuantity, raw); err != nil {
		return nil, err
	}
	if err := s.emit(ctx, tx, edit.PrescriptionID, edit.ActorID, prescription.EventPrescriptionQtyEdited, change); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return change, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, prescriptionID, actorID int64, action prescription.ActionType, changes json.RawMessage) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (prescription_id, actor_id, action_type, changes)
		VALUES ($1, $2, $3, $4)
	`, prescriptionID, actorID, string(action), changes)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditLog returns the entries of one prescription, newest first.
func (s *Store) AuditLog(ctx context.Context, prescriptionID int64) ([]prescription.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.prescription_id, a.actor_id, COALESCE(u.display_name, ''), COALESCE(u.handle, ''),
		       a.action_type, a.changes, a.created_at
		FROM audit_log a
		LEFT JOIN users u ON u.id = a.actor_id
		WHERE a.prescription_id = $1
		ORDER BY a.created_at DESC, a.id DESC
	`, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("select audit log: %w", err)
	}
	defer rows.Close()

	var out []prescription.AuditEntry
	for rows.Next() {
		var (
			e      prescription.AuditEntry
			action string
		)
		if err := rows.Scan(&e.ID, &e.PrescriptionID, &e.ActorID, &e.ActorName, &e.ActorHandle,
			&action, &e.Changes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = prescription.ActionType(action)
		out = append(out, e)
	}
	return out, rows.Err()
}
