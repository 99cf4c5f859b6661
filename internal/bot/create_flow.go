package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/access"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/render"
	"github.com/drfirst/go-rxguard/internal/session"
)

func isSkip(text string) bool { return text == "/"+cmdSkip }

func (e *Engine) startCreate(ctx context.Context, t *turn, _ string) error {
	if err := e.gate.Authorize(t.user, access.CreatePrescription); err != nil {
		return err
	}
	t.sess.Step = session.StepExternalID
	t.sess.Draft = &prescription.Draft{}
	t.reply(ctx, htmlMessage(
		"<b>New prescription</b>\n\nEnter the number printed on the paper prescription, or /skip if there is none.",
		optSkip, optCancel))
	return nil
}

// onExternalID runs the fast-path duplicate check. The commit repeats it inside
// the insert transaction.
func (e *Engine) onExternalID(ctx context.Context, t *turn, text string) error {
	d, err := t.draft()
	if err != nil {
		return err
	}
	if !isSkip(text) {
		id, err := prescription.NormalizeExternalID(text)
		if err != nil {
			t.send(ctx, htmlMessage(fmt.Sprintf(
				"The id must be 1 to %d characters. Enter it again or /skip.", prescription.MaxExternalIDLength),
				optSkip, optCancel))
			return nil
		}
		exists, err := e.store.ExternalIDExists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			return prescription.ErrDuplicateExternalID
		}
		d.ExternalID = id
	}
	t.sess.Step = session.StepDrugName
	t.send(ctx, htmlMessage("Enter the drug name:", optCancel))
	return nil
}

func (e *Engine) onDrugName(ctx context.Context, t *turn, text string) error {
	d, err := t.draft()
	if err != nil {
		return err
	}
	if err := d.AddDrug(text); err != nil {
		t.send(ctx, htmlMessage(fmt.Sprintf(
			"The drug name must be 1 to %d characters. Enter it again:", prescription.MaxDrugNameLength),
			optCancel))
		return nil
	}
	t.sess.Step = session.StepQuantity
	item, _ := d.Pending()
	t.send(ctx, htmlMessage(fmt.Sprintf("Enter the quantity of <b>%s</b>:", render.Escape(item.DrugName)), optCancel))
	return nil
}

func (e *Engine) onQuantity(ctx context.Context, t *turn, text string) error {
	d, err := t.draft()
	if err != nil {
		return err
	}
	if err := d.AssignQuantity(text); err != nil {
		t.send(ctx, htmlMessage(fmt.Sprintf(
			"The quantity must be 1 to %d characters, for example <code>20</code> or <code>2 packs</code>. Enter it again:",
			prescription.MaxQuantityLength), optCancel))
		return nil
	}
	t.sess.Step = session.StepReviewItems
	t.send(ctx, reviewMessage(d, ""))
	return nil
}

func reviewMessage(d *prescription.Draft, notice string) Message {
	text := render.DraftReview(d)
	if notice != "" {
		text = notice + "\n\n" + text
	}
	text += "\n\nAdd another drug, remove one, or continue."
	opts := []Option{{Label: "➕ Add drug", Token: tokAdd}}
	if len(d.Items) > 0 {
		opts = append(opts, Option{Label: "🗑 Remove drug", Token: tokDelete})
	}
	opts = append(opts, Option{Label: "Continue »", Token: tokProceed}, optCancel)
	return htmlMessage(text, opts...)
}

func (e *Engine) onReviewText(ctx context.Context, t *turn, _ string) error {
	d, err := t.draft()
	if err != nil {
		return err
	}
	t.send(ctx, reviewMessage(d, "Use the buttons below."))
	return nil
}

func (e *Engine) onReviewToken(ctx context.Context, t *turn, tok token) error {
	d, err := t.draft()
	if err != nil {
		return err
	}
	switch tok.name {
	case tokAdd:
		t.sess.Step = session.StepDrugName
		t.reply(ctx, htmlMessage("Enter the drug name:", optCancel))

	case tokDelete:
		if len(tok.args) == 0 {
			if len(d.Items) == 0 {
				t.reply(ctx, reviewMessage(d, "There is nothing to remove."))
				return nil
			}
			opts := make([]Option, 0, len(d.Items)+1)
			for i, it := range d.Items {
				opts = append(opts, Option{
					Label: fmt.Sprintf("✖ %d. %s", i+1, it.DrugName),
					Token: tokDelete + ":" + strconv.Itoa(i),
				})
			}
			opts = append(opts, Option{Label: "« Back", Token: tokBack})
			t.reply(ctx, htmlMessage("Select the drug to remove:", opts...))
			return nil
		}
		idx, ok := tok.int(0)
		if !ok {
			idx = -1
		}
		removed, err := d.Remove(idx)
		if errors.Is(err, prescription.ErrItemIndex) {
			t.reply(ctx, reviewMessage(d, "There is no drug at that position."))
			return nil
		}
		t.reply(ctx, reviewMessage(d, fmt.Sprintf("Removed <b>%s</b>.", render.Escape(removed.DrugName))))

	case tokBack:
		t.reply(ctx, reviewMessage(d, ""))

	case tokProceed:
		if !d.Ready() {
			t.reply(ctx, reviewMessage(d, "⚠️ Add at least one drug and give every drug a quantity before continuing."))
			return nil
		}
		t.sess.Step = session.StepComment
		t.reply(ctx, htmlMessage("Add a comment for the pharmacist, or /skip.", optSkip, optCancel))

	default:
		t.send(ctx, reviewMessage(d, "This button is no longer active."))
	}
	return nil
}

func (e *Engine) onComment(ctx context.Context, t *turn, text string) error {
	d, err := t.draft()
	if err != nil {
		return err
	}
	if isSkip(text) {
		text = ""
	}
	if err := d.SetComment(text); err != nil {
		t.send(ctx, htmlMessage(fmt.Sprintf(
			"The comment is too long. Keep it under %d characters, or /skip.", prescription.MaxCommentLength),
			optSkip, optCancel))
		return nil
	}
	t.sess.Step = session.StepDuration
	t.send(ctx, durationMessage(""))
	return nil
}

func durationMessage(notice string) Message {
	text := "Select how long the prescription is valid:"
	if notice != "" {
		text = notice + "\n\n" + text
	}
	opts := make([]Option, 0, len(prescription.DurationPresets)+2)
	for _, days := range prescription.DurationPresets {
		opts = append(opts, Option{Label: render.DurationLabel(days), Token: tokDuration + ":" + strconv.Itoa(days)})
	}
	opts = append(opts, Option{Label: "Other…", Token: tokDuration + ":" + durationCustom}, optCancel)
	return htmlMessage(text, opts...)
}

func (e *Engine) onDurationToken(ctx context.Context, t *turn, tok token) error {
	d, err := t.draft()
	if err != nil {
		return err
	}
	if tok.name != tokDuration {
		t.send(ctx, durationMessage("This button is no longer active."))
		return nil
	}
	if tok.arg(0) == durationCustom {
		t.sess.Step = session.StepCustomDuration
		t.reply(ctx, htmlMessage(fmt.Sprintf("Enter the number of days (1 to %d):", prescription.MaxDurationDays), optCancel))
		return nil
	}
	days, ok := tok.int(0)
	if !ok || d.SetDuration(days) != nil {
		t.reply(ctx, durationMessage("That period is not valid."))
		return nil
	}
	return e.toConfirm(ctx, t, d)
}

// onDurationText accepts a number of days typed instead of pressing a preset.
func (e *Engine) onDurationText(ctx context.Context, t *turn, text string) error {
	d, err := t.draft()
	if err != nil {
		return err
	}
	days, err := prescription.ParseDuration(text)
	if err == nil {
		err = d.SetDuration(days)
	}
	if err != nil {
		t.send(ctx, durationMessage(fmt.Sprintf(
			"Choose a period below or enter a number of days from 1 to %d.", prescription.MaxDurationDays)))
		return nil
	}
	return e.toConfirm(ctx, t, d)
}

func (e *Engine) onCustomDuration(ctx context.Context, t *turn, text string) error {
	d, err := t.draft()
	if err != nil {
		return err
	}
	days, err := prescription.ParseDuration(text)
	if err == nil {
		err = d.SetDuration(days)
	}
	if err != nil {
		t.send(ctx, htmlMessage(fmt.Sprintf(
			"The duration must be a whole number of days from 1 to %d. Enter it again:", prescription.MaxDurationDays),
			optCancel))
		return nil
	}
	return e.toConfirm(ctx, t, d)
}

func (e *Engine) toConfirm(ctx context.Context, t *turn, d *prescription.Draft) error {
	t.sess.Step = session.StepConfirm
	t.long(ctx, render.DraftConfirmation(d, t.user.Name()), []Option{
		{Label: "✅ Confirm", Token: tokConfirm},
		optCancel,
	})
	return nil
}

func (e *Engine) onConfirmText(ctx context.Context, t *turn, _ string) error {
	t.send(ctx, htmlMessage("Press <b>Confirm</b> to save the prescription or <b>Cancel</b> to discard it.",
		Option{Label: "✅ Confirm", Token: tokConfirm}, optCancel))
	return nil
}

// onConfirmToken commits the draft. The draft is discarded on every terminal path.
func (e *Engine) onConfirmToken(ctx context.Context, t *turn, tok token) error {
	if tok.name != tokConfirm {
		return e.onConfirmText(ctx, t, "")
	}
	d, err := t.draft()
	if err != nil {
		return err
	}
	np, err := d.Build(t.user.ID)
	if err != nil {
		t.sess.Step = session.StepReviewItems
		t.reply(ctx, reviewMessage(d, "⚠️ "+render.Escape(err.Error())+"."))
		return nil
	}

	id, err := e.store.CreatePrescription(ctx, np)
	if err != nil {
		return err
	}

	e.metrics.PrescriptionsCreated.Inc()
	e.logger.Info("prescription created",
		zap.Int64("prescription_id", id),
		zap.Int64("doctor_id", t.user.ID),
		zap.Int("items", len(np.Items)),
		zap.Bool("has_external_id", np.ExternalID != ""))

	t.sess.Reset()
	t.reply(ctx, htmlMessage(fmt.Sprintf("✅ <b>Prescription #%d saved.</b>", id), e.menuOptions(t.user)...))
	return nil
}
