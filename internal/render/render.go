// Package render turns stored records into chat-ready HTML text.
package render

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/user"
	"github.com/drfirst/go-rxguard/pkg/pagination"
)

const (
	DateTimeLayout = "02.01.2006 15:04"
	DateLayout     = "02.01.2006"

	rule = "────────────────────"
)

// Escape makes user-supplied text safe for HTML messages.
func Escape(s string) string { return html.EscapeString(s) }

// DurationLabel names a validity window.
func DurationLabel(days int) string {
	switch days {
	case 30:
		return "1 month"
	case 90:
		return "3 months"
	case 180:
		return "6 months"
	case 365:
		return "1 year"
	case 1:
		return "1 day"
	default:
		return fmt.Sprintf("%d days", days)
	}
}

// StatusBadge renders a prescription status.
func StatusBadge(s prescription.Status) string {
	switch s {
	case prescription.StatusActive:
		return "📝 Active"
	case prescription.StatusUsed:
		return "✅ Used"
	default:
		return string(s)
	}
}

// Items renders item lines, one per row.
func Items(items []prescription.Item) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• " + itemLine(it))
	}
	return b.String()
}

func itemLine(it prescription.Item) string {
	qty := it.Quantity.String()
	if !it.Quantity.Assigned() {
		qty = "quantity not set"
	}
	return Escape(it.DrugName) + " - " + Escape(qty)
}

// Detail renders a full prescription card. An expired active prescription carries a warning.
func Detail(p *prescription.Prescription, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Prescription #%d</b>\n", p.ID)
	b.WriteString(rule + "\n")
	if p.ExternalID != "" {
		fmt.Fprintf(&b, "<b>External id:</b> %s\n", Escape(p.ExternalID))
	}
	fmt.Fprintf(&b, "<b>Doctor:</b> %s\n", Escape(p.Doctor.Name()))
	fmt.Fprintf(&b, "<b>Created:</b> %s\n", p.CreatedAt.Format(DateTimeLayout))
	fmt.Fprintf(&b, "<b>Valid for:</b> %s (until %s)\n", DurationLabel(p.DurationDays), p.ExpiresAt().Format(DateLayout))
	fmt.Fprintf(&b, "<b>Status:</b> %s\n", StatusBadge(p.Status))
	if p.IsActive() && p.IsExpired(now) {
		b.WriteString("⚠️ <b>Prescription has expired</b>\n")
	}
	fmt.Fprintf(&b, "\n<b>Drugs:</b>\n%s\n", Items(p.Items))
	if p.Comment != "" {
		fmt.Fprintf(&b, "\n<b>Comment:</b> %s\n", Escape(p.Comment))
	}
	b.WriteString(rule)
	return b.String()
}

// History renders audit entries in the order given.
func History(entries []prescription.AuditEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<b>History:</b>")
	for _, e := range entries {
		b.WriteString("\n• ")
		switch e.Action {
		case prescription.ActionUsed:
			b.WriteString("Marked as used")
		case prescription.ActionEditedQuantity:
			b.WriteString("Quantity changed")
			if qc, ok := e.QuantityChange(); ok {
				fmt.Fprintf(&b, " (%s → %s)", Escape(qc.OldQuantity.String()), Escape(qc.NewQuantity.String()))
			}
		default:
			b.WriteString(Escape(string(e.Action)))
		}
		fmt.Fprintf(&b, " - %s (%s)", Escape(e.Actor()), e.CreatedAt.Format(DateTimeLayout))
	}
	return b.String()
}

// Lookup renders a prescription and, once it is no longer active, its history.
func Lookup(p *prescription.Prescription, history []prescription.AuditEntry, now time.Time) string {
	text := Detail(p, now)
	if !p.IsActive() {
		if h := History(history); h != "" {
			text += "\n\n" + h
		}
	}
	return text
}

// NotRegistered reports an unknown external id.
func NotRegistered(externalID string) string {
	return fmt.Sprintf("No prescription with id <code>%s</code> is registered. Dispensing is possible.", Escape(externalID))
}

// DraftReview renders the in-progress item list.
func DraftReview(d *prescription.Draft) string {
	var b strings.Builder
	b.WriteString("<b>New prescription</b>\n")
	if d.ExternalID != "" {
		fmt.Fprintf(&b, "<b>External id:</b> %s\n", Escape(d.ExternalID))
	}
	if len(d.Items) == 0 {
		b.WriteString("\nNo drugs added yet.")
		return b.String()
	}
	b.WriteString("\n<b>Drugs:</b>\n")
	for i, it := range d.Items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, itemLine(it))
	}
	return b.String()
}

// DraftConfirmation renders the final summary shown before commit.
func DraftConfirmation(d *prescription.Draft, doctor string) string {
	var b strings.Builder
	b.WriteString("<b>Check the prescription</b>\n")
	b.WriteString(rule + "\n")
	if d.ExternalID != "" {
		fmt.Fprintf(&b, "<b>External id:</b> %s\n", Escape(d.ExternalID))
	}
	fmt.Fprintf(&b, "<b>Doctor:</b> %s\n", Escape(doctor))
	fmt.Fprintf(&b, "<b>Valid for:</b> %s\n", DurationLabel(d.DurationDays))
	fmt.Fprintf(&b, "\n<b>Drugs:</b>\n%s\n", Items(d.Items))
	if d.Comment != "" {
		fmt.Fprintf(&b, "\n<b>Comment:</b> %s\n", Escape(d.Comment))
	}
	b.WriteString(rule)
	return b.String()
}

// SummaryList renders one page of a prescription listing.
func SummaryList(title string, rows []prescription.Summary, page pagination.Page, total int, showDoctor bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> (page %d of %d, %d total)\n", Escape(title), page.Number, page.Pages(total), total)
	if len(rows) == 0 {
		b.WriteString("\nNothing here yet.")
		return b.String()
	}
	for i, r := range rows {
		fmt.Fprintf(&b, "\n%d. #%d %s", page.Rank(i), r.ID, StatusBadge(r.Status))
		if r.ExternalID != "" {
			fmt.Fprintf(&b, " [%s]", Escape(r.ExternalID))
		}
		fmt.Fprintf(&b, "\n   %s, %s, drugs: %d", r.CreatedAt.Format(DateLayout), DurationLabel(r.DurationDays), r.ItemCount)
		if showDoctor {
			fmt.Fprintf(&b, ", doctor: %s", Escape(r.Doctor.Name()))
		}
	}
	return b.String()
}

// Users renders the staff directory grouped by role.
func Users(doctors, pharmacists []*user.User) string {
	var b strings.Builder
	b.WriteString("<b>Users</b>\n")
	section := func(title string, list []*user.User) {
		fmt.Fprintf(&b, "\n<b>%s (%d):</b>", title, len(list))
		if len(list) == 0 {
			b.WriteString("\n  none")
		}
		for _, u := range list {
			fmt.Fprintf(&b, "\n• #%d %s, id <code>%d</code>", u.ID, Escape(u.Name()), u.ExternalID)
			if u.Handle != "" && u.DisplayName != "" {
				fmt.Fprintf(&b, ", @%s", Escape(u.Handle))
			}
		}
	}
	section("Doctors", doctors)
	b.WriteByte('\n')
	section("Pharmacists", pharmacists)
	return b.String()
}

// AccessDenied is sent to callers without an account.
func AccessDenied(contacts []string) string {
	admin := "an administrator"
	switch len(contacts) {
	case 0:
	case 1:
		admin = "the administrator " + contacts[0]
	default:
		admin = "one of the administrators: " + strings.Join(contacts, ", ")
	}
	return "🚫 <b>Access denied</b>\n\n" +
		"This assistant is available to registered staff only.\n\n" +
		"<b>To get access:</b>\n" +
		"1. Copy the message with your id below\n" +
		"2. Send it to " + Escape(admin) + "\n\n" +
		"An administrator will add you after verification."
}

// CallerCard is the identity message an unregistered caller forwards to an admin.
func CallerCard(externalID int64, name, handle string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", Escape(name))
	if handle != "" {
		fmt.Fprintf(&b, "Username: @%s\n", Escape(handle))
	}
	fmt.Fprintf(&b, "ID: <code>%d</code>", externalID)
	return b.String()
}
