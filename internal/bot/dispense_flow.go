package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/access"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/render"
	"github.com/drfirst/go-rxguard/internal/session"
)

func (e *Engine) startLookup(ctx context.Context, t *turn, _ string) error {
	if err := e.gate.Authorize(t.user, access.LookupPrescription); err != nil {
		return err
	}
	t.sess.Step = session.StepLookup
	t.reply(ctx, htmlMessage("Enter the id printed on the paper prescription, or #number for a prescription number:", optCancel))
	return nil
}

// onLookup resolves "#N" as an internal number and anything else as the id
// printed on the paper prescription. A bare number that is both is offered as
// a choice.
func (e *Engine) onLookup(ctx context.Context, t *turn, text string) error {
	query, err := prescription.NormalizeExternalID(text)
	if err != nil {
		t.send(ctx, htmlMessage("Enter a prescription number or id:", optCancel))
		return nil
	}

	found, err := e.findPrescriptions(ctx, query)
	if err != nil {
		return err
	}
	t.sess.Reset()

	var visible []*prescription.Prescription
	for _, p := range found {
		if e.gate.CanView(t.user, p) == nil {
			visible = append(visible, p)
		}
	}
	switch {
	case len(found) == 0:
		t.send(ctx, htmlMessage(render.NotRegistered(query), e.menuOptions(t.user)...))
		return nil
	case len(visible) == 0:
		return e.showPrescription(ctx, t, found[0], "")
	case len(visible) == 1:
		p, notice := visible[0], ""
		if !strings.HasPrefix(query, "#") && p.ExternalID != query {
			notice = fmt.Sprintf("No paper prescription <code>%s</code> is registered. Showing prescription #%d.",
				render.Escape(query), p.ID)
		}
		return e.showPrescription(ctx, t, p, notice)
	}

	opts := make([]Option, 0, len(visible)+1)
	for _, p := range visible {
		opts = append(opts, Option{Label: lookupLabel(p), Token: fmt.Sprintf("%s:%d", tokView, p.ID)})
	}
	opts = append(opts, optMenu)
	t.send(ctx, htmlMessage(fmt.Sprintf("Several prescriptions match <code>%s</code>. Choose one:", render.Escape(query)), opts...))
	return nil
}

// findPrescriptions returns every prescription query can refer to, internal
// number match first.
func (e *Engine) findPrescriptions(ctx context.Context, query string) ([]*prescription.Prescription, error) {
	if rest, ok := strings.CutPrefix(query, "#"); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil && id > 0 {
			return collect(nil, func() (*prescription.Prescription, error) { return e.store.Prescription(ctx, id) })
		}
	}

	var found []*prescription.Prescription
	var err error
	if id, perr := strconv.ParseInt(query, 10, 64); perr == nil && id > 0 {
		if found, err = collect(found, func() (*prescription.Prescription, error) { return e.store.Prescription(ctx, id) }); err != nil {
			return nil, err
		}
	}
	found, err = collect(found, func() (*prescription.Prescription, error) { return e.store.PrescriptionByExternalID(ctx, query) })
	if err != nil {
		return nil, err
	}
	if len(found) == 2 && found[0].ID == found[1].ID {
		found = found[:1]
	}
	return found, nil
}

func collect(found []*prescription.Prescription, get func() (*prescription.Prescription, error)) ([]*prescription.Prescription, error) {
	p, err := get()
	switch {
	case errors.Is(err, prescription.ErrNotFound):
		return found, nil
	case err != nil:
		return nil, err
	}
	return append(found, p), nil
}

func lookupLabel(p *prescription.Prescription) string {
	if p.ExternalID == "" {
		return fmt.Sprintf("#%d", p.ID)
	}
	return fmt.Sprintf("#%d · paper %s", p.ID, p.ExternalID)
}

// showPrescription renders a prescription with the options the caller may use on it.
func (e *Engine) showPrescription(ctx context.Context, t *turn, p *prescription.Prescription, notice string) error {
	if err := e.gate.CanView(t.user, p); err != nil {
		return err
	}

	var history []prescription.AuditEntry
	if !p.IsActive() {
		var err error
		if history, err = e.store.AuditLog(ctx, p.ID); err != nil {
			return err
		}
	}

	text := render.Lookup(p, history, e.now())
	if notice != "" {
		text = notice + "\n\n" + text
	}

	var opts []Option
	if p.IsActive() {
		if access.Allowed(t.user.Role, access.MarkUsed) {
			opts = append(opts, Option{Label: "✅ Mark as used", Token: fmt.Sprintf("%s:%d", tokUse, p.ID)})
		}
		if e.gate.CanEditQuantity(t.user, p) == nil {
			opts = append(opts, Option{Label: "✏️ Edit quantity", Token: fmt.Sprintf("%s:%d", tokEditItems, p.ID)})
		}
	}
	opts = append(opts, optMenu)

	t.long(ctx, text, opts)
	return nil
}

func (e *Engine) loadPrescription(ctx context.Context, tok token) (*prescription.Prescription, error) {
	id, ok := tok.int64(0)
	if !ok {
		return nil, prescription.ErrNotFound
	}
	return e.store.Prescription(ctx, id)
}

func (e *Engine) onView(ctx context.Context, t *turn, tok token) error {
	p, err := e.loadPrescription(ctx, tok)
	if err != nil {
		return err
	}
	return e.showPrescription(ctx, t, p, "")
}

func (e *Engine) onUse(ctx context.Context, t *turn, tok token) error {
	if err := e.gate.Authorize(t.user, access.MarkUsed); err != nil {
		return err
	}
	id, ok := tok.int64(0)
	if !ok {
		return prescription.ErrNotFound
	}
	if err := e.store.MarkUsed(ctx, id, t.user.ID); err != nil {
		return err
	}

	e.metrics.PrescriptionsUsed.Inc()
	e.logger.Info("prescription marked as used",
		zap.Int64("prescription_id", id),
		zap.Int64("actor_id", t.user.ID))

	p, err := e.store.Prescription(ctx, id)
	if err != nil {
		return err
	}
	return e.showPrescription(ctx, t, p, fmt.Sprintf("✅ <b>Prescription #%d marked as used.</b>", id))
}

// editable loads a prescription and checks that the caller may change its items.
func (e *Engine) editable(ctx context.Context, t *turn, tok token) (*prescription.Prescription, error) {
	p, err := e.loadPrescription(ctx, tok)
	if err != nil {
		return nil, err
	}
	if err := e.gate.CanEditQuantity(t.user, p); err != nil {
		return nil, err
	}
	if !p.IsActive() {
		return nil, prescription.ErrNotActive
	}
	return p, nil
}

func (e *Engine) onEditItems(ctx context.Context, t *turn, tok token) error {
	p, err := e.editable(ctx, t, tok)
	if err != nil {
		return err
	}
	opts := make([]Option, 0, len(p.Items)+1)
	for _, it := range p.Items {
		opts = append(opts, Option{
			Label: fmt.Sprintf("%s (%s)", it.DrugName, it.Quantity),
			Token: fmt.Sprintf("%s:%d:%d", tokEditItem, p.ID, it.ID),
		})
	}
	opts = append(opts, Option{Label: "« Back", Token: fmt.Sprintf("%s:%d", tokView, p.ID)})
	t.reply(ctx, htmlMessage(fmt.Sprintf("Prescription #%d. Select the drug to change:", p.ID), opts...))
	return nil
}

func (e *Engine) onEditItem(ctx context.Context, t *turn, tok token) error {
	p, err := e.editable(ctx, t, tok)
	if err != nil {
		return err
	}
	itemID, ok := tok.int64(1)
	if !ok {
		return prescription.ErrItemNotFound
	}
	it, found := p.Item(itemID)
	if !found {
		return prescription.ErrItemNotFound
	}

	t.sess.Step = session.StepNewQuantity
	t.sess.PrescriptionID = p.ID
	t.sess.ItemID = it.ID
	t.reply(ctx, htmlMessage(fmt.Sprintf("<b>%s</b>\nCurrent quantity: %s\n\nEnter the new quantity:",
		render.Escape(it.DrugName), render.Escape(it.Quantity.String())), optCancel))
	return nil
}

func (e *Engine) onNewQuantity(ctx context.Context, t *turn, text string) error {
	if t.sess.PrescriptionID == 0 || t.sess.ItemID == 0 {
		return errSessionLost
	}
	q, err := prescription.ParseQuantity(text)
	if err != nil {
		t.send(ctx, htmlMessage(fmt.Sprintf(
			"The quantity must be 1 to %d characters. Enter it again:", prescription.MaxQuantityLength), optCancel))
		return nil
	}

	edit := prescription.QuantityEdit{
		PrescriptionID: t.sess.PrescriptionID,
		ItemID:         t.sess.ItemID,
		Quantity:       q,
		ActorID:        t.user.ID,
		OwnerID:        access.OwnerScope(t.user),
	}
	change, err := e.store.UpdateItemQuantity(ctx, edit)
	if err != nil {
		return err
	}

	e.metrics.QuantityEdits.Inc()
	e.logger.Info("item quantity edited",
		zap.Int64("prescription_id", edit.PrescriptionID),
		zap.Int64("item_id", edit.ItemID),
		zap.Int64("actor_id", t.user.ID))

	t.sess.Reset()
	p, err := e.store.Prescription(ctx, edit.PrescriptionID)
	if err != nil {
		return err
	}
	return e.showPrescription(ctx, t, p, fmt.Sprintf("✅ <b>Quantity updated:</b> %s → %s",
		render.Escape(change.OldQuantity.String()), render.Escape(change.NewQuantity.String())))
}
