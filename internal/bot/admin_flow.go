package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/access"
	"github.com/drfirst/go-rxguard/internal/domain/user"
	"github.com/drfirst/go-rxguard/internal/render"
	"github.com/drfirst/go-rxguard/internal/session"
)

func (e *Engine) startAddUser(ctx context.Context, t *turn, _ string) error {
	if err := e.gate.Authorize(t.user, access.ManageUsers); err != nil {
		return err
	}
	t.sess.Step = session.StepUserIdentity
	t.reply(ctx, htmlMessage("<b>Add user</b>\n\n"+
		"Send the numeric id, optionally followed by the @username and the name:\n"+
		"<code>123456789 @ivanov Ivan Ivanov</code>", optCancel))
	return nil
}

// parseIdentity splits "<id> [@handle] [display name]".
func parseIdentity(text string) (session.PendingUser, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return session.PendingUser{}, false
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || id <= 0 {
		return session.PendingUser{}, false
	}
	pu := session.PendingUser{ExternalID: id}
	rest := fields[1:]
	if len(rest) > 0 && strings.HasPrefix(rest[0], "@") {
		pu.Handle = user.NormalizeHandle(rest[0])
		rest = rest[1:]
	}
	pu.DisplayName = strings.Join(rest, " ")
	return pu, true
}

func (e *Engine) onUserIdentity(ctx context.Context, t *turn, text string) error {
	pu, ok := parseIdentity(text)
	if !ok {
		t.send(ctx, htmlMessage("The first value must be a numeric id, for example <code>123456789 @ivanov Ivan Ivanov</code>.", optCancel))
		return nil
	}

	existing, err := e.store.UserByExternalID(ctx, pu.ExternalID)
	switch {
	case err == nil:
		t.sess.Reset()
		t.send(ctx, htmlMessage(fmt.Sprintf("User <code>%d</code> is already registered as %s.",
			existing.ExternalID, roleLabel(existing.Role)), e.menuOptions(t.user)...))
		return nil
	case !errors.Is(err, user.ErrNotFound):
		return err
	}

	t.sess.Step = session.StepUserRole
	t.sess.PendingUser = &pu
	t.send(ctx, htmlMessage(fmt.Sprintf("Select the role for <code>%d</code>:", pu.ExternalID),
		Option{Label: "🩺 Doctor", Token: tokRole + ":" + string(user.RoleDoctor)},
		Option{Label: "💊 Pharmacist", Token: tokRole + ":" + string(user.RolePharmacist)},
		optCancel))
	return nil
}

func (e *Engine) onUserRole(ctx context.Context, t *turn, tok token) error {
	pu := t.sess.PendingUser
	if pu == nil {
		return errSessionLost
	}
	role, err := user.ParseRole(tok.arg(0))
	if tok.name != tokRole || err != nil || role == user.RoleAdmin {
		t.send(ctx, htmlMessage("Select doctor or pharmacist.",
			Option{Label: "🩺 Doctor", Token: tokRole + ":" + string(user.RoleDoctor)},
			Option{Label: "💊 Pharmacist", Token: tokRole + ":" + string(user.RolePharmacist)},
			optCancel))
		return nil
	}

	u := &user.User{
		ExternalID:  pu.ExternalID,
		DisplayName: pu.DisplayName,
		Handle:      pu.Handle,
		Role:        role,
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return err
	}
	e.logger.Info("user added",
		zap.Int64("user_id", u.ID),
		zap.Int64("external_id", u.ExternalID),
		zap.String("role", string(role)),
		zap.Int64("admin_id", t.user.ID))

	t.sess.Reset()
	t.reply(ctx, htmlMessage(fmt.Sprintf("✅ <b>User added:</b> %s, %s, id <code>%d</code>.",
		render.Escape(u.Name()), roleLabel(role), u.ExternalID), e.menuOptions(t.user)...))
	return nil
}

func (e *Engine) listUsers(ctx context.Context, t *turn, _ string) error {
	if err := e.gate.Authorize(t.user, access.ManageUsers); err != nil {
		return err
	}
	doctors, err := e.store.UsersByRole(ctx, user.RoleDoctor)
	if err != nil {
		return err
	}
	pharmacists, err := e.store.UsersByRole(ctx, user.RolePharmacist)
	if err != nil {
		return err
	}
	text := render.Users(doctors, pharmacists) + "\n\nDelete with <code>/delete_user &lt;#&gt;</code>."
	t.long(ctx, text, e.menuOptions(t.user))
	return nil
}

// deleteUser handles "/delete_user <internal id>".
func (e *Engine) deleteUser(ctx context.Context, t *turn, arg string) error {
	if err := e.gate.Authorize(t.user, access.ManageUsers); err != nil {
		return err
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(arg), "#"), 10, 64)
	if err != nil || id <= 0 {
		t.send(ctx, htmlMessage("Usage: <code>/delete_user &lt;#&gt;</code>, where # is the number shown in /users."))
		return nil
	}

	u, err := e.store.DeleteUser(ctx, id)
	if err != nil {
		return err
	}
	e.logger.Info("user deleted",
		zap.Int64("user_id", u.ID),
		zap.String("role", string(u.Role)),
		zap.Int64("admin_id", t.user.ID))

	t.send(ctx, htmlMessage(fmt.Sprintf("✅ User #%d %s deleted.", u.ID, render.Escape(u.Name())), e.menuOptions(t.user)...))
	return nil
}
