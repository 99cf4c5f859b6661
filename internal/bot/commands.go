package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/drfirst/go-rxguard/internal/access"
	"github.com/drfirst/go-rxguard/internal/domain/user"
	"github.com/drfirst/go-rxguard/internal/render"
	"github.com/drfirst/go-rxguard/internal/session"
)

// Text commands.
const (
	cmdStart      = "start"
	cmdMenu       = "menu"
	cmdHelp       = "help"
	cmdCancel     = "cancel"
	cmdSkip       = "skip"
	cmdNew        = "new"
	cmdCheck      = "check"
	cmdMine       = "mine"
	cmdAll        = "all"
	cmdAddUser    = "adduser"
	cmdUsers      = "users"
	cmdDeleteUser = "delete_user"
)

// Option tokens. Arguments follow the name separated by colons.
const (
	tokMenu      = "menu"
	tokCancel    = "cancel"
	tokSkip      = "skip"
	tokAdd       = "add"
	tokDelete    = "del"
	tokBack      = "back"
	tokProceed   = "proceed"
	tokDuration  = "dur"
	tokConfirm   = "confirm"
	tokView      = "view"
	tokUse       = "use"
	tokEditItems = "edq"
	tokEditItem  = "edi"
	tokPage      = "pg"
	tokRole      = "role"

	durationCustom = "custom"
	scopeMine      = "mine"
	scopeAll       = "all"
)

type commandFunc func(ctx context.Context, t *turn, arg string) error

type tokenFunc func(ctx context.Context, t *turn, tok token) error

// stepHandler handles input while a step is active. A nil field means the step
// does not accept that kind of input.
type stepHandler struct {
	text  func(ctx context.Context, t *turn, text string) error
	token tokenFunc
}

// token is a parsed option token such as "edi:12:40".
type token struct {
	name string
	args []string
}

func parseToken(s string) token {
	parts := strings.Split(strings.TrimSpace(s), ":")
	return token{name: parts[0], args: parts[1:]}
}

func (k token) arg(i int) string {
	if i < len(k.args) {
		return k.args[i]
	}
	return ""
}

func (k token) int64(i int) (int64, bool) {
	n, err := strconv.ParseInt(k.arg(i), 10, 64)
	return n, err == nil && n > 0
}

func (k token) int(i int) (int, bool) {
	n, err := strconv.Atoi(k.arg(i))
	return n, err == nil
}

// parseCommand splits "/name@bot arg" into name and arg.
func parseCommand(text string) (name, arg string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	name = strings.ToLower(strings.TrimPrefix(head, "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return name, strings.TrimSpace(rest), name != ""
}

func (e *Engine) commandTable() map[string]commandFunc {
	menu := func(ctx context.Context, t *turn, _ string) error {
		return e.showMenu(ctx, t, "")
	}
	return map[string]commandFunc{
		cmdStart:      menu,
		cmdMenu:       menu,
		cmdHelp:       menu,
		cmdCancel:     func(ctx context.Context, t *turn, _ string) error { return e.cancel(ctx, t) },
		cmdNew:        e.startCreate,
		cmdCheck:      e.startLookup,
		cmdMine:       func(ctx context.Context, t *turn, _ string) error { return e.listPage(ctx, t, scopeMine, 1) },
		cmdAll:        func(ctx context.Context, t *turn, _ string) error { return e.listPage(ctx, t, scopeAll, 1) },
		cmdAddUser:    e.startAddUser,
		cmdUsers:      e.listUsers,
		cmdDeleteUser: e.deleteUser,
	}
}

// globalTokens are options valid from any step. Selecting one discards the
// flow in progress.
func (e *Engine) globalTokens() map[string]tokenFunc {
	return map[string]tokenFunc{
		tokCancel:    func(ctx context.Context, t *turn, _ token) error { return e.cancel(ctx, t) },
		tokMenu:      e.onMenuToken,
		tokView:      e.onView,
		tokUse:       e.onUse,
		tokEditItems: e.onEditItems,
		tokEditItem:  e.onEditItem,
		tokPage:      e.onPage,
	}
}

func (e *Engine) stepTable() map[session.Step]stepHandler {
	return map[session.Step]stepHandler{
		session.StepExternalID:     {text: e.onExternalID, token: e.onSkipToken(e.onExternalID)},
		session.StepDrugName:       {text: e.onDrugName},
		session.StepQuantity:       {text: e.onQuantity},
		session.StepReviewItems:    {text: e.onReviewText, token: e.onReviewToken},
		session.StepComment:        {text: e.onComment, token: e.onSkipToken(e.onComment)},
		session.StepDuration:       {text: e.onDurationText, token: e.onDurationToken},
		session.StepCustomDuration: {text: e.onCustomDuration},
		session.StepConfirm:        {text: e.onConfirmText, token: e.onConfirmToken},
		session.StepLookup:         {text: e.onLookup},
		session.StepNewQuantity:    {text: e.onNewQuantity},
		session.StepUserIdentity:   {text: e.onUserIdentity},
		session.StepUserRole:       {token: e.onUserRole},
	}
}

// onSkipToken adapts the skip option to a text step handler.
func (e *Engine) onSkipToken(next func(ctx context.Context, t *turn, text string) error) tokenFunc {
	return func(ctx context.Context, t *turn, tok token) error {
		if tok.name != tokSkip {
			t.send(ctx, Message{Text: "This button is no longer active."})
			return nil
		}
		return next(ctx, t, "/"+cmdSkip)
	}
}

func (e *Engine) onMenuToken(ctx context.Context, t *turn, tok token) error {
	if cmd, ok := e.commands[tok.arg(0)]; ok && tok.arg(0) != cmdDeleteUser {
		return cmd(ctx, t, "")
	}
	return e.showMenu(ctx, t, "")
}

func (e *Engine) cancel(ctx context.Context, t *turn) error {
	t.sess.Reset()
	t.reply(ctx, Message{Text: "Cancelled. Nothing was saved.", Options: e.menuOptions(t.user)})
	return nil
}

func (e *Engine) showMenu(ctx context.Context, t *turn, prompt string) error {
	if prompt == "" {
		prompt = fmt.Sprintf("Hello, %s! Your role: <b>%s</b>.\nChoose an action:",
			render.Escape(t.user.Name()), roleLabel(t.user.Role))
	}
	t.reply(ctx, htmlMessage(prompt, e.menuOptions(t.user)...))
	return nil
}

// menuOptions derives the main menu from the capability table.
func (e *Engine) menuOptions(u *user.User) []Option {
	if u == nil {
		return nil
	}
	var opts []Option
	for _, c := range access.Capabilities(u.Role) {
		switch c {
		case access.CreatePrescription:
			opts = append(opts, Option{Label: "➕ New prescription", Token: tokMenu + ":" + cmdNew})
		case access.ListOwnPrescriptions:
			opts = append(opts, Option{Label: "📋 My prescriptions", Token: tokMenu + ":" + cmdMine})
		case access.ListAllPrescriptions:
			opts = append(opts, Option{Label: "📋 All prescriptions", Token: tokMenu + ":" + cmdAll})
		case access.LookupPrescription:
			opts = append(opts, Option{Label: "🔍 Check prescription", Token: tokMenu + ":" + cmdCheck})
		case access.ManageUsers:
			opts = append(opts,
				Option{Label: "👤 Add user", Token: tokMenu + ":" + cmdAddUser},
				Option{Label: "👥 Users", Token: tokMenu + ":" + cmdUsers})
		}
	}
	return opts
}

func roleLabel(r user.Role) string {
	switch r {
	case user.RoleAdmin:
		return "administrator"
	case user.RoleDoctor:
		return "doctor"
	case user.RolePharmacist:
		return "pharmacist"
	default:
		return string(r)
	}
}

var (
	optCancel = Option{Label: "✖ Cancel", Token: tokCancel}
	optSkip   = Option{Label: "Skip", Token: tokSkip}
	optMenu   = Option{Label: "« Menu", Token: tokMenu}
)
