package bot_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxguard/internal/bot"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/user"
	"github.com/drfirst/go-rxguard/internal/infrastructure/memstore"
	"github.com/drfirst/go-rxguard/internal/session"
	"github.com/drfirst/go-rxguard/internal/storetest"
)

const (
	adminID      int64 = 100
	doctorID     int64 = 200
	otherDocID   int64 = 201
	pharmacistID int64 = 300
)

type harness struct {
	t        *testing.T
	store    *memstore.Store
	sessions *session.Memory
	engine   *bot.Engine
	out      *bot.Recorder
	now      time.Time
	users    map[int64]*user.User
}

func newHarness(t *testing.T, cfg bot.Config) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		sessions: session.NewMemory(),
		out:      &bot.Recorder{},
		now:      time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
		users:    map[int64]*user.User{},
	}
	h.store = memstore.New(memstore.WithClock(func() time.Time { return h.now }))

	admin := &user.User{ExternalID: adminID, Handle: "root", DisplayName: "Root", Role: user.RoleAdmin}
	require.NoError(t, h.store.CreateUser(context.Background(), admin))
	h.users[adminID] = admin
	h.users[doctorID] = storetest.MustUser(t, h.store, doctorID, user.RoleDoctor, "Dr. House")
	h.users[otherDocID] = storetest.MustUser(t, h.store, otherDocID, user.RoleDoctor, "Dr. Wilson")
	h.users[pharmacistID] = storetest.MustUser(t, h.store, pharmacistID, user.RolePharmacist, "Pharm")

	h.engine = bot.NewEngine(h.store, h.sessions, cfg, nil, bot.WithClock(func() time.Time { return h.now }))
	return h
}

func (h *harness) handle(a bot.Action) bot.Reply {
	h.t.Helper()
	h.out.Reset()
	require.NoError(h.t, h.engine.Handle(context.Background(), a, h.out))
	return h.out.Last()
}

func (h *harness) text(caller int64, text string) bot.Reply {
	h.t.Helper()
	return h.handle(bot.Action{Caller: bot.Caller{ID: caller}, Text: text, Reply: bot.ReplyTarget{ChatID: caller}})
}

func (h *harness) tap(caller int64, token string) bot.Reply {
	h.t.Helper()
	return h.handle(bot.Action{Caller: bot.Caller{ID: caller}, Token: token, Reply: bot.ReplyTarget{ChatID: caller, MessageID: 7}})
}

func (h *harness) step(caller int64) session.Step {
	h.t.Helper()
	s, err := h.sessions.Load(context.Background(), caller)
	require.NoError(h.t, err)
	return s.Step
}

func hasToken(r bot.Reply, token string) bool {
	for _, o := range r.Message.Options {
		if o.Token == token {
			return true
		}
	}
	return false
}

// createFlow walks a doctor through the whole creation flow up to confirmation.
func (h *harness) createFlow(caller int64, externalID string) bot.Reply {
	h.t.Helper()
	h.text(caller, "/new")
	h.text(caller, externalID)
	h.text(caller, "Amoxicillin")
	h.text(caller, "20")
	h.tap(caller, "proceed")
	h.tap(caller, "skip")
	r := h.tap(caller, "dur:30")
	require.Equal(h.t, session.StepConfirm, h.step(caller))
	return r
}

func TestCreateThenDuplicateRejected(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())

	confirm := h.createFlow(doctorID, "RX-001")
	assert.Contains(t, confirm.Message.Text, "Amoxicillin - 20")
	assert.Contains(t, confirm.Message.Text, "1 month")
	assert.True(t, hasToken(confirm, "confirm"))

	saved := h.tap(doctorID, "confirm")
	assert.Contains(t, saved.Message.Text, "Prescription #1 saved")
	assert.Equal(t, session.StepIdle, h.step(doctorID))

	p, err := h.store.PrescriptionByExternalID(context.Background(), "RX-001")
	require.NoError(t, err)
	assert.Equal(t, 30, p.DurationDays)
	assert.Equal(t, h.users[doctorID].ID, p.DoctorID)
	require.Len(t, p.Items, 1)
	assert.Equal(t, prescription.Quantity("20"), p.Items[0].Quantity)

	h.text(doctorID, "/new")
	dup := h.text(doctorID, "RX-001")
	assert.Contains(t, dup.Message.Text, "already registered")
	assert.Equal(t, session.StepIdle, h.step(doctorID))

	_, total, err := h.store.ListPrescriptions(context.Background(), prescription.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestDuplicateDetectedAtCommit(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())

	h.createFlow(doctorID, "RX-RACE")
	h.createFlow(otherDocID, "RX-RACE")

	assert.Contains(t, h.tap(doctorID, "confirm").Message.Text, "saved")
	late := h.tap(otherDocID, "confirm")
	assert.Contains(t, late.Message.Text, "already registered")
	assert.Equal(t, session.StepIdle, h.step(otherDocID))
}

func TestReadinessGateAndItemRemoval(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())

	h.text(doctorID, "/new")
	h.text(doctorID, "/skip")
	assert.Equal(t, session.StepDrugName, h.step(doctorID))
	h.text(doctorID, "Tramadol")
	h.text(doctorID, "10")
	h.tap(doctorID, "add")
	h.text(doctorID, "Codeine")
	review := h.text(doctorID, "2 packs")
	assert.Contains(t, review.Message.Text, "1. Tramadol - 10")
	assert.Contains(t, review.Message.Text, "2. Codeine - 2 packs")

	picker := h.tap(doctorID, "del")
	assert.True(t, hasToken(picker, "del:0"))
	assert.True(t, hasToken(picker, "del:1"))

	bad := h.tap(doctorID, "del:5")
	assert.Contains(t, bad.Message.Text, "no drug at that position")
	assert.Equal(t, session.StepReviewItems, h.step(doctorID))

	h.tap(doctorID, "del:0")
	removed := h.tap(doctorID, "del:0")
	assert.Contains(t, removed.Message.Text, "Removed <b>Codeine</b>")
	assert.Contains(t, removed.Message.Text, "No drugs added yet.")

	blocked := h.tap(doctorID, "proceed")
	assert.Contains(t, blocked.Message.Text, "Add at least one drug")
	assert.Equal(t, session.StepReviewItems, h.step(doctorID))
}

func TestInvalidInputKeepsStep(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())

	h.text(doctorID, "/new")
	h.text(doctorID, "/skip")
	h.text(doctorID, "   ")
	assert.Equal(t, session.StepDrugName, h.step(doctorID))

	h.text(doctorID, "Diazepam")
	h.text(doctorID, strings.Repeat("9", prescription.MaxQuantityLength+1))
	assert.Equal(t, session.StepQuantity, h.step(doctorID))
	h.text(doctorID, "30")
	h.tap(doctorID, "proceed")
	tooLong := h.text(doctorID, strings.Repeat("&", prescription.MaxCommentLength+1))
	assert.Contains(t, tooLong.Message.Text, "comment is too long")
	assert.Equal(t, session.StepComment, h.step(doctorID))
	h.text(doctorID, "night only")
	assert.Equal(t, session.StepDuration, h.step(doctorID))
	for _, bad := range []string{"0", "4000"} {
		h.text(doctorID, bad)
		assert.Equal(t, session.StepDuration, h.step(doctorID), bad)
	}

	h.tap(doctorID, "dur:custom")
	assert.Equal(t, session.StepCustomDuration, h.step(doctorID))
	for _, bad := range []string{"0", "-3", "abc", "4000"} {
		h.text(doctorID, bad)
		assert.Equal(t, session.StepCustomDuration, h.step(doctorID), bad)
	}

	confirm := h.text(doctorID, "45")
	assert.Contains(t, confirm.Message.Text, "45 days")
	assert.Contains(t, confirm.Message.Text, "night only")
	assert.Equal(t, session.StepConfirm, h.step(doctorID))
}

func TestCancelDiscardsDraft(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())

	h.text(doctorID, "/new")
	h.text(doctorID, "RX-9")
	h.text(doctorID, "Aspirin")
	r := h.text(doctorID, "/cancel")
	assert.Contains(t, r.Message.Text, "Cancelled")
	assert.Equal(t, 0, h.sessions.Len())

	h.text(doctorID, "/new")
	h.text(doctorID, "RX-9")
	h.tap(doctorID, "menu")
	assert.Equal(t, 0, h.sessions.Len())

	exists, err := h.store.ExternalIDExists(context.Background(), "RX-9")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUseThenEditBlocked(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	ctx := context.Background()
	id := storetest.MustPrescription(t, h.store, h.users[doctorID].ID, "RX-2")

	h.text(pharmacistID, "/check")
	card := h.text(pharmacistID, "RX-2")
	assert.Contains(t, card.Message.Text, fmt.Sprintf("Prescription #%d", id))
	assert.True(t, hasToken(card, fmt.Sprintf("use:%d", id)))
	assert.True(t, hasToken(card, fmt.Sprintf("edq:%d", id)))

	used := h.tap(pharmacistID, fmt.Sprintf("use:%d", id))
	assert.Contains(t, used.Message.Text, "marked as used")
	assert.Contains(t, used.Message.Text, "History:")
	assert.Contains(t, used.Message.Text, "Marked as used - Pharm")
	assert.False(t, hasToken(used, fmt.Sprintf("use:%d", id)))

	again := h.tap(pharmacistID, fmt.Sprintf("use:%d", id))
	assert.Contains(t, again.Message.Text, "already been used")

	p, err := h.store.Prescription(ctx, id)
	require.NoError(t, err)
	blocked := h.tap(pharmacistID, fmt.Sprintf("edi:%d:%d", id, p.Items[0].ID))
	assert.Contains(t, blocked.Message.Text, "already been used")

	entries, err := h.store.AuditLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, prescription.ActionUsed, entries[0].Action)

	p, err = h.store.Prescription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, prescription.Quantity("20"), p.Items[0].Quantity)
}

func TestQuantityEditFlow(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	ctx := context.Background()
	id := storetest.MustPrescription(t, h.store, h.users[doctorID].ID, "")
	p, err := h.store.Prescription(ctx, id)
	require.NoError(t, err)
	item := p.Items[0].ID

	picker := h.tap(pharmacistID, fmt.Sprintf("edq:%d", id))
	assert.True(t, hasToken(picker, fmt.Sprintf("edi:%d:%d", id, item)))

	prompt := h.tap(pharmacistID, fmt.Sprintf("edi:%d:%d", id, item))
	assert.Contains(t, prompt.Message.Text, "Current quantity: 20")
	assert.Equal(t, session.StepNewQuantity, h.step(pharmacistID))

	h.text(pharmacistID, "")
	assert.Equal(t, session.StepNewQuantity, h.step(pharmacistID))

	done := h.text(pharmacistID, "15")
	assert.Contains(t, done.Message.Text, "Quantity updated:</b> 20 → 15")
	assert.Equal(t, session.StepIdle, h.step(pharmacistID))

	entries, err := h.store.AuditLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	qc, ok := entries[0].QuantityChange()
	require.True(t, ok)
	assert.Equal(t, prescription.Quantity("20"), qc.OldQuantity)
	assert.Equal(t, prescription.Quantity("15"), qc.NewQuantity)
}

func TestDoctorOwnership(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	id := storetest.MustPrescription(t, h.store, h.users[doctorID].ID, "")

	r := h.tap(otherDocID, fmt.Sprintf("view:%d", id))
	assert.Contains(t, r.Message.Text, "belongs to another doctor")

	r = h.tap(otherDocID, fmt.Sprintf("edq:%d", id))
	assert.Contains(t, r.Message.Text, "belongs to another doctor")

	own := h.tap(doctorID, fmt.Sprintf("view:%d", id))
	assert.True(t, hasToken(own, fmt.Sprintf("edq:%d", id)))
	assert.False(t, hasToken(own, fmt.Sprintf("use:%d", id)))
}

func TestDoctorCannotMarkUsed(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	id := storetest.MustPrescription(t, h.store, h.users[doctorID].ID, "")

	r := h.tap(doctorID, fmt.Sprintf("use:%d", id))
	assert.Contains(t, r.Message.Text, "Access denied")

	p, err := h.store.Prescription(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusActive, p.Status)

	r = h.text(pharmacistID, "/new")
	assert.Contains(t, r.Message.Text, "Access denied")
}

func TestLookupUnknownAndExpired(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())

	h.text(pharmacistID, "/check")
	r := h.text(pharmacistID, "PAPER-77")
	assert.Contains(t, r.Message.Text, "<code>PAPER-77</code> is registered")
	assert.Contains(t, r.Message.Text, "Dispensing is possible")

	id := storetest.MustPrescription(t, h.store, h.users[doctorID].ID, "")
	h.now = h.now.AddDate(0, 2, 0)
	r = h.tap(pharmacistID, fmt.Sprintf("view:%d", id))
	assert.Contains(t, r.Message.Text, "Prescription has expired")
	assert.True(t, hasToken(r, fmt.Sprintf("use:%d", id)))

	r = h.tap(pharmacistID, "view:99999")
	assert.Contains(t, r.Message.Text, "Prescription not found")
}

func TestNumericLookupDoesNotShadowPaperID(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	internal := storetest.MustPrescription(t, h.store, h.users[doctorID].ID, "RX-A")
	paper := storetest.MustPrescription(t, h.store, h.users[doctorID].ID, fmt.Sprint(internal))

	h.text(pharmacistID, "/check")
	r := h.text(pharmacistID, fmt.Sprint(internal))
	assert.Contains(t, r.Message.Text, "Several prescriptions match")
	assert.True(t, hasToken(r, fmt.Sprintf("view:%d", internal)))
	assert.True(t, hasToken(r, fmt.Sprintf("view:%d", paper)))
	assert.False(t, hasToken(r, fmt.Sprintf("use:%d", internal)))
	assert.Equal(t, session.StepIdle, h.step(pharmacistID))

	h.text(pharmacistID, "/check")
	r = h.text(pharmacistID, fmt.Sprintf("#%d", internal))
	assert.Contains(t, r.Message.Text, fmt.Sprintf("Prescription #%d", internal))
	assert.True(t, hasToken(r, fmt.Sprintf("use:%d", internal)))

	h.text(pharmacistID, "/check")
	r = h.text(pharmacistID, fmt.Sprintf("#%d", paper))
	assert.Contains(t, r.Message.Text, fmt.Sprintf("Prescription #%d", paper))
	assert.True(t, hasToken(r, fmt.Sprintf("use:%d", paper)))
}

func TestBareNumberWithoutPaperMatch(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	id := storetest.MustPrescription(t, h.store, h.users[doctorID].ID, "")

	h.text(pharmacistID, "/check")
	r := h.text(pharmacistID, fmt.Sprint(id))
	assert.Contains(t, r.Message.Text, fmt.Sprintf("Prescription #%d", id))
	assert.Contains(t, r.Message.Text, fmt.Sprintf("No paper prescription <code>%d</code> is registered", id))

	h.text(pharmacistID, "/check")
	r = h.text(pharmacistID, "#98765")
	assert.Contains(t, r.Message.Text, "is registered")
}

func TestPagination(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	for range 25 {
		storetest.MustPrescription(t, h.store, h.users[doctorID].ID, "")
	}

	first := h.text(doctorID, "/mine")
	assert.Contains(t, first.Message.Text, "(page 1 of 3, 25 total)")
	assert.False(t, hasToken(first, "pg:mine:0"))
	assert.True(t, hasToken(first, "pg:mine:2"))

	second := h.tap(doctorID, "pg:mine:2")
	assert.Contains(t, second.Message.Text, "(page 2 of 3, 25 total)")
	assert.Contains(t, second.Message.Text, "11. #15 ")
	assert.Contains(t, second.Message.Text, "20. #6 ")
	assert.NotContains(t, second.Message.Text, "21. ")
	assert.True(t, hasToken(second, "pg:mine:1"))
	assert.True(t, hasToken(second, "pg:mine:3"))

	last := h.tap(doctorID, "pg:mine:3")
	assert.Contains(t, last.Message.Text, "25. #1 ")
	assert.True(t, hasToken(last, "pg:mine:2"))
	assert.False(t, hasToken(last, "pg:mine:4"))

	clamped := h.tap(doctorID, "pg:mine:9")
	assert.Contains(t, clamped.Message.Text, "(page 3 of 3, 25 total)")

	huge := h.tap(doctorID, "pg:mine:999999999999999999")
	assert.Contains(t, huge.Message.Text, "(page 3 of 3, 25 total)")
	assert.Contains(t, huge.Message.Text, "25. #1 ")

	denied := h.text(doctorID, "/all")
	assert.Contains(t, denied.Message.Text, "Access denied")
}

func TestLongListIsChunked(t *testing.T) {
	h := newHarness(t, bot.Config{PageSize: 10, MaxMessageLength: 200})
	for range 10 {
		storetest.MustPrescription(t, h.store, h.users[doctorID].ID, "")
	}

	h.text(adminID, "/all")
	replies := h.out.Replies()
	require.Greater(t, len(replies), 1)
	assert.Equal(t, bot.FormatHTML, replies[0].Message.Format)
	for i, r := range replies {
		assert.LessOrEqual(t, len([]rune(r.Message.Text)), 200)
		if i > 0 {
			assert.Equal(t, bot.FormatPlain, r.Message.Format)
		}
		if i < len(replies)-1 {
			assert.Empty(t, r.Message.Options)
		}
	}
	assert.NotEmpty(t, replies[len(replies)-1].Message.Options)
}

func TestUnregisteredCaller(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())

	h.handle(bot.Action{
		Caller: bot.Caller{ID: 999, DisplayName: "Stranger", Handle: "stranger"},
		Text:   "/start",
		Reply:  bot.ReplyTarget{ChatID: 999},
	})
	replies := h.out.Replies()
	require.Len(t, replies, 2)
	assert.Contains(t, replies[0].Message.Text, "Access denied")
	assert.Contains(t, replies[0].Message.Text, "@root")
	assert.Contains(t, replies[1].Message.Text, "<code>999</code>")
	assert.Contains(t, replies[1].Message.Text, "@stranger")
	assert.Equal(t, 0, h.sessions.Len())
}

func TestAdminManagesUsers(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	ctx := context.Background()

	h.text(adminID, "/adduser")
	h.text(adminID, "not-a-number")
	assert.Equal(t, session.StepUserIdentity, h.step(adminID))

	roles := h.text(adminID, "123456789 @ivanov Ivan Ivanov")
	assert.True(t, hasToken(roles, "role:doctor"))
	assert.True(t, hasToken(roles, "role:pharmacist"))

	h.tap(adminID, "role:admin")
	assert.Equal(t, session.StepUserRole, h.step(adminID))

	added := h.tap(adminID, "role:pharmacist")
	assert.Contains(t, added.Message.Text, "User added")

	u, err := h.store.UserByExternalID(ctx, 123456789)
	require.NoError(t, err)
	assert.Equal(t, user.RolePharmacist, u.Role)
	assert.Equal(t, "ivanov", u.Handle)
	assert.Equal(t, "Ivan Ivanov", u.DisplayName)

	h.text(adminID, "/adduser")
	dup := h.text(adminID, "123456789")
	assert.Contains(t, dup.Message.Text, "already registered as pharmacist")

	list := h.text(adminID, "/users")
	assert.Contains(t, list.Message.Text, "Ivan Ivanov")
	assert.Contains(t, list.Message.Text, "Dr. House")

	protected := h.text(adminID, fmt.Sprintf("/delete_user %d", h.users[adminID].ID))
	assert.Contains(t, protected.Message.Text, "cannot be deleted")

	deleted := h.text(adminID, fmt.Sprintf("/delete_user %d", u.ID))
	assert.Contains(t, deleted.Message.Text, "deleted")
	_, err = h.store.UserByExternalID(ctx, 123456789)
	assert.ErrorIs(t, err, user.ErrNotFound)

	missing := h.text(adminID, "/delete_user 9999")
	assert.Contains(t, missing.Message.Text, "User not found")

	forbidden := h.text(doctorID, "/users")
	assert.Contains(t, forbidden.Message.Text, "Access denied")
}

func TestStaleButtonIgnored(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	r := h.tap(doctorID, "confirm")
	assert.Contains(t, r.Message.Text, "no longer active")

	r = h.text(doctorID, "/unknown")
	assert.Contains(t, r.Message.Text, "Unknown command")
}

type panickingStore struct {
	*memstore.Store
}

func (panickingStore) ListPrescriptions(context.Context, prescription.ListFilter) ([]prescription.Summary, int, error) {
	panic("boom")
}

func TestPanicIsRecovered(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	sessions := session.NewMemory()
	engine := bot.NewEngine(panickingStore{h.store}, sessions, bot.DefaultConfig(), nil)
	out := &bot.Recorder{}

	err := engine.Handle(context.Background(), bot.Action{Caller: bot.Caller{ID: doctorID}, Text: "/mine"}, out)
	require.Error(t, err)
	assert.Contains(t, out.Last().Message.Text, "did not complete")
	assert.Equal(t, 0, sessions.Len())

	// The engine keeps serving.
	require.NoError(t, engine.Handle(context.Background(), bot.Action{Caller: bot.Caller{ID: doctorID}, Text: "/menu"}, out))
	assert.Contains(t, out.Last().Message.Text, "Choose an action")
}

func TestInvalidActionRejected(t *testing.T) {
	h := newHarness(t, bot.DefaultConfig())
	err := h.engine.Handle(context.Background(), bot.Action{Text: "/start"}, h.out)
	assert.ErrorIs(t, err, bot.ErrInvalidAction)
}
