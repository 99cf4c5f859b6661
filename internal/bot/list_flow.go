package bot

import (
	"context"
	"fmt"

	"github.com/drfirst/go-rxguard/internal/access"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/render"
	"github.com/drfirst/go-rxguard/pkg/pagination"
)

// listPage renders one page of a prescription listing, newest first.
func (e *Engine) listPage(ctx context.Context, t *turn, scope string, number int) error {
	var (
		filter prescription.ListFilter
		title  string
	)
	switch scope {
	case scopeMine:
		if err := e.gate.Authorize(t.user, access.ListOwnPrescriptions); err != nil {
			return err
		}
		filter.DoctorID = t.user.ID
		title = "My prescriptions"
	case scopeAll:
		if err := e.gate.Authorize(t.user, access.ListAllPrescriptions); err != nil {
			return err
		}
		title = "All prescriptions"
	default:
		t.send(ctx, Message{Text: "This button is no longer active.", Options: e.menuOptions(t.user)})
		return nil
	}

	page := pagination.New(number, e.config.PageSize)
	rows, total, err := e.list(ctx, filter, page)
	if err != nil {
		return err
	}
	if len(rows) == 0 && total > 0 {
		page = page.Clamp(total)
		if rows, total, err = e.list(ctx, filter, page); err != nil {
			return err
		}
	}

	if total == 0 {
		t.reply(ctx, htmlMessage("<b>"+title+"</b>\n\nNo prescriptions yet.", e.menuOptions(t.user)...))
		return nil
	}

	opts := make([]Option, 0, len(rows)+3)
	for i, r := range rows {
		opts = append(opts, Option{
			Label: fmt.Sprintf("%d. #%d", page.Rank(i), r.ID),
			Token: fmt.Sprintf("%s:%d", tokView, r.ID),
		})
	}
	if page.HasPrevious() {
		opts = append(opts, Option{Label: "« Previous", Token: fmt.Sprintf("%s:%s:%d", tokPage, scope, page.Previous().Number)})
	}
	if page.HasNext(total) {
		opts = append(opts, Option{Label: "Next »", Token: fmt.Sprintf("%s:%s:%d", tokPage, scope, page.Next().Number)})
	}
	opts = append(opts, optMenu)

	t.long(ctx, render.SummaryList(title, rows, page, total, scope == scopeAll), opts)
	return nil
}

func (e *Engine) list(ctx context.Context, f prescription.ListFilter, page pagination.Page) ([]prescription.Summary, int, error) {
	f.Limit = page.Limit()
	f.Offset = page.Offset()
	return e.store.ListPrescriptions(ctx, f)
}

// onPage handles "pg:<scope>:<page>".
func (e *Engine) onPage(ctx context.Context, t *turn, tok token) error {
	n, ok := tok.int(1)
	if !ok || n < 1 {
		n = 1
	}
	return e.listPage(ctx, t, tok.arg(0), n)
}
