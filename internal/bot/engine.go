package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/access"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/user"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
	"github.com/drfirst/go-rxguard/internal/render"
	"github.com/drfirst/go-rxguard/internal/session"
	"github.com/drfirst/go-rxguard/pkg/pagination"
)

// errSessionLost is returned when a step expects scratch state that is missing.
var errSessionLost = errors.New("session state lost")

// Config holds engine configuration
type Config struct {
	// PageSize is the number of rows per list page
	PageSize int
	// MaxMessageLength is the chunk size for long replies, in runes
	MaxMessageLength int
}

// DefaultConfig returns the defaults used by the chat transport.
func DefaultConfig() Config {
	return Config{
		PageSize:         pagination.DefaultSize,
		MaxMessageLength: render.DefaultMaxLength,
	}
}

// Engine routes inbound actions through the access gate and the conversation
// state machine.
type Engine struct {
	store    Store
	sessions session.Store
	gate     *access.Gate
	config   Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	commands map[string]commandFunc
	tokens   map[string]tokenFunc
	steps    map[session.Step]stepHandler
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used for expiry warnings.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records engine metrics into m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine over store and sessions.
func NewEngine(store Store, sessions session.Store, cfg Config, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultConfig().MaxMessageLength
	}

	e := &Engine{
		store:    store,
		sessions: sessions,
		gate:     access.NewGate(store, logger),
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("bot-engine"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewUnregistered()
	}
	e.commands = e.commandTable()
	e.tokens = e.globalTokens()
	e.steps = e.stepTable()
	return e
}

// Handle processes one action and delivers the replies through out. Errors the
// caller can act on are answered in the conversation and not returned; the
// returned error reports infrastructure failures and undelivered replies.
func (e *Engine) Handle(ctx context.Context, a Action, out Messenger) (err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "bot_handle",
		trace.WithAttributes(
			attribute.Int64("caller", a.Caller.ID),
			attribute.String("update_id", a.UpdateID),
		))
	defer span.End()

	outcome := metrics.OutcomeOK
	defer func() {
		if r := recover(); r != nil {
			outcome = metrics.OutcomePanic
			e.logger.Error("panic recovered",
				zap.Any("panic", r),
				zap.Int64("caller", a.Caller.ID),
				zap.String("update_id", a.UpdateID),
				zap.Stack("stack"))
			if clearErr := e.sessions.Clear(ctx, a.Caller.ID); clearErr != nil {
				e.logger.Error("failed to clear session", zap.Error(clearErr))
			}
			_ = out.Send(ctx, a.Reply, Message{Text: msgFailed, Format: FormatHTML})
			err = fmt.Errorf("panic handling action: %v", r)
		}
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		e.metrics.ActionsHandled.WithLabelValues(outcome).Inc()
		e.metrics.ActionDuration.Observe(time.Since(start).Seconds())
	}()

	if err := a.Validate(); err != nil {
		outcome = metrics.OutcomeRejected
		return err
	}

	u, err := e.gate.Resolve(ctx, a.Caller.ID)
	if errors.Is(err, access.ErrUnregistered) {
		outcome = metrics.OutcomeUnregistered
		return e.unregistered(ctx, a, out)
	}
	if err != nil {
		outcome = metrics.OutcomeFailed
		return err
	}

	sess, err := e.sessions.Load(ctx, a.Caller.ID)
	if err != nil {
		outcome = metrics.OutcomeFailed
		return fmt.Errorf("load session: %w", err)
	}

	t := &turn{Action: a, user: u, sess: sess, out: out, maxLen: e.config.MaxMessageLength}
	span.SetAttributes(attribute.String("step", string(sess.Step)))

	if err := e.dispatch(ctx, t); err != nil {
		outcome = e.conclude(ctx, t, err)
	}

	if err := e.sessions.Save(ctx, a.Caller.ID, t.sess); err != nil {
		outcome = metrics.OutcomeFailed
		return fmt.Errorf("save session: %w", err)
	}
	if t.deliveryErr != nil {
		return fmt.Errorf("deliver reply: %w", t.deliveryErr)
	}
	return nil
}

// dispatch routes an action to a command, a global option, or the current step.
func (e *Engine) dispatch(ctx context.Context, t *turn) error {
	if t.Token != "" {
		return e.dispatchToken(ctx, t, parseToken(t.Token))
	}

	text := strings.TrimSpace(t.Text)
	if name, arg, ok := parseCommand(text); ok && name != cmdSkip {
		cmd, known := e.commands[name]
		if !known {
			t.send(ctx, htmlMessage("Unknown command. Send /menu to see what you can do."))
			return nil
		}
		t.sess.Reset()
		return cmd(ctx, t, arg)
	}

	h, ok := e.steps[t.sess.Step]
	if !ok || h.text == nil {
		return e.showMenu(ctx, t, "Choose an action:")
	}
	return h.text(ctx, t, text)
}

func (e *Engine) dispatchToken(ctx context.Context, t *turn, tok token) error {
	if h, ok := e.tokens[tok.name]; ok {
		t.sess.Reset()
		return h(ctx, t, tok)
	}

	h, ok := e.steps[t.sess.Step]
	if !ok || h.token == nil {
		t.send(ctx, Message{Text: "This button is no longer active.", Options: e.menuOptions(t.user)})
		return nil
	}
	return h.token(ctx, t, tok)
}

// conclude answers a flow-terminating error, clears scratch state and returns the
// outcome label.
func (e *Engine) conclude(ctx context.Context, t *turn, err error) string {
	step := t.sess.Step
	t.sess.Reset()

	outcome := metrics.OutcomeRejected
	var text string
	switch {
	case errors.Is(err, prescription.ErrDuplicateExternalID):
		e.metrics.DuplicatesRejected.Inc()
		text = "⛔ <b>A prescription with this id is already registered.</b>\nIt must not be dispensed again."
	case errors.Is(err, prescription.ErrNotFound):
		text = "Prescription not found."
	case errors.Is(err, prescription.ErrItemNotFound):
		text = "That drug is not part of the prescription."
	case errors.Is(err, prescription.ErrNotActive):
		text = "This prescription has already been used. No changes were made."
	case errors.Is(err, user.ErrNotFound):
		text = "User not found."
	case errors.Is(err, user.ErrExists):
		text = "This user is already registered."
	case errors.Is(err, user.ErrAdminProtected):
		outcome = metrics.OutcomeDenied
		text = "Administrators cannot be deleted."
	case errors.Is(err, prescription.ErrNotOwner):
		outcome = metrics.OutcomeDenied
		text = "🚫 This prescription belongs to another doctor."
	case errors.Is(err, access.ErrForbidden):
		outcome = metrics.OutcomeDenied
		text = "🚫 Access denied."
	default:
		outcome = metrics.OutcomeFailed
		e.logger.Error("action failed",
			zap.Int64("caller", t.Caller.ID),
			zap.String("role", string(t.user.Role)),
			zap.String("step", string(step)),
			zap.String("token", t.Token),
			zap.Error(err))
		text = msgFailed
	}

	t.send(ctx, Message{Text: text, Format: FormatHTML, Options: e.menuOptions(t.user)})
	return outcome
}

// unregistered answers a caller without an account with admin contacts and the
// identity card to forward.
func (e *Engine) unregistered(ctx context.Context, a Action, out Messenger) error {
	contacts, err := e.gate.AdminContacts(ctx)
	if err != nil {
		e.logger.Warn("admin contacts unavailable", zap.Error(err))
	}
	e.logger.Info("unregistered caller",
		zap.Int64("caller", a.Caller.ID),
		zap.String("handle", a.Caller.Handle))

	name := a.Caller.DisplayName
	if name == "" {
		name = "unknown"
	}
	if err := out.Send(ctx, a.Reply, Message{Text: render.AccessDenied(contacts), Format: FormatHTML}); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	if err := out.Send(ctx, a.Reply, Message{Text: render.CallerCard(a.Caller.ID, name, a.Caller.Handle), Format: FormatHTML}); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	return nil
}

const msgFailed = "⚠️ The operation did not complete and nothing was saved. Please start again."

// turn is the per-action context handed to flow handlers.
type turn struct {
	Action
	user   *user.User
	sess   *session.Session
	out    Messenger
	maxLen int

	deliveryErr error
}

// send delivers a new message. Delivery failures are remembered and reported once
// the action completes so that handlers always finish their state changes.
func (t *turn) send(ctx context.Context, msg Message) {
	if err := t.out.Send(ctx, t.Reply, msg); err != nil && t.deliveryErr == nil {
		t.deliveryErr = err
	}
}

// reply edits the message whose option was selected, or sends a new one for text input.
func (t *turn) reply(ctx context.Context, msg Message) {
	if t.Token == "" || t.Reply.MessageID == 0 {
		t.send(ctx, msg)
		return
	}
	if err := t.out.Edit(ctx, t.Reply, msg); err != nil && t.deliveryErr == nil {
		t.deliveryErr = err
	}
}

// long delivers HTML text that may exceed the message limit. Only the first chunk
// keeps formatting and only the last carries options.
func (t *turn) long(ctx context.Context, text string, opts []Option) {
	chunks := render.Split(text, t.maxLen)
	if len(chunks) == 1 {
		t.reply(ctx, Message{Text: text, Format: FormatHTML, Options: opts})
		return
	}
	for i, c := range chunks {
		msg := Message{Text: c, Format: FormatHTML}
		if i > 0 {
			msg = Message{Text: render.Plain(c)}
		}
		if i == len(chunks)-1 {
			msg.Options = opts
		}
		t.send(ctx, msg)
	}
}

func (t *turn) draft() (*prescription.Draft, error) {
	if t.sess.Draft == nil {
		return nil, errSessionLost
	}
	return t.sess.Draft, nil
}

func htmlMessage(text string, opts ...Option) Message {
	return Message{Text: text, Format: FormatHTML, Options: opts}
}
