package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RichardoC/chatrooms/internal/db"
	"github.com/RichardoC/chatrooms/internal/llm"
	"github.com/RichardoC/chatrooms/internal/models"
)

const (
	DefaultIdleTimeout    = 60 * time.Second
	DefaultPersistTimeout = 5 * time.Second

	// CodeNoPendingPrompt is sent when a stream is opened without a prompt and
	// the room has no unanswered user turn.
	CodeNoPendingPrompt = "no_pending_prompt"
)

var errIdleTimeout = errors.New("relay: no fragment within idle timeout")

// Event is one server-sent event payload.
type Event struct {
	Text  string `json:"text"`
	Done  bool   `json:"done"`
	Error bool   `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Sink delivers events to the caller. A Send error means the caller is gone.
type Sink interface {
	Send(Event) error
}

type Status string

const (
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
	StatusRejected     Status = "rejected"
)

// Outcome summarises one Run.
type Outcome struct {
	Status    Status
	Text      string
	Fragments int
	Persisted bool
	Err       error
}

// Relay streams model replies to a caller and stores each reply once the
// stream ends.
type Relay struct {
	store  db.Store
	client llm.Client
	logger *zap.Logger

	idleTimeout    time.Duration
	persistTimeout time.Duration
	maxHistory     int
	systemPrompt   string
}

type Option func(*Relay)

// WithIdleTimeout bounds the gap between fragments. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Relay) { r.idleTimeout = d }
}

func WithPersistTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.persistTimeout = d
		}
	}
}

func WithMaxHistory(n int) Option {
	return func(r *Relay) { r.maxHistory = n }
}

func WithSystemPrompt(s string) Option {
	return func(r *Relay) { r.systemPrompt = s }
}

func New(store db.Store, client llm.Client, logger *zap.Logger, opts ...Option) (*Relay, error) {
	if store == nil {
		return nil, errors.New("relay: store must not be nil")
	}
	if client == nil {
		return nil, errors.New("relay: completion client must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		store:          store,
		client:         client,
		logger:         logger,
		idleTimeout:    DefaultIdleTimeout,
		persistTimeout: DefaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run relays one reply for roomID. A non-blank prompt is stored as a user turn
// first; a blank prompt answers the room's pending user turn. Unless the caller
// disconnects, the last event sent is always the terminal {done: true} event.
func (r *Relay) Run(ctx context.Context, roomID, prompt string, sink Sink) Outcome {
	logger := r.logger.With(zap.String("room_id", roomID))

	// submitted is the prompt of this run, stored or not.
	var submitted *models.Message
	saved := false
	if strings.TrimSpace(prompt) != "" {
		msg, err := r.store.AppendMessage(ctx, roomID, models.RoleUser, prompt)
		if err != nil {
			logger.Warn("Failed to store prompt, continuing without it", zap.Error(err))
			msg = models.Message{RoomID: roomID, Role: models.RoleUser, Content: prompt}
		} else {
			saved = true
		}
		submitted = &msg
	}

	history, err := r.store.ListMessages(ctx, roomID)
	if err != nil {
		logger.Warn("Failed to load history, continuing with the submitted prompt only", zap.Error(err))
		history = nil
		if submitted != nil {
			history = []models.Message{*submitted}
		}
	} else if submitted != nil && !saved {
		history = append(history, *submitted)
	}

	if !pendingPrompt(history) {
		logger.Info("No pending prompt to answer")
		_ = sink.Send(Event{Text: "There is no message to reply to.", Error: true, Code: CodeNoPendingPrompt})
		_ = sink.Send(Event{Done: true})
		return Outcome{Status: StatusRejected}
	}

	turns := BuildTurns(history, r.systemPrompt, r.maxHistory)
	logger.Info("Starting completion stream",
		zap.Int("history", len(history)),
		zap.Int("turns", len(turns)),
		zap.String("model", r.client.Model()))

	out := r.stream(ctx, turns, sink)

	switch out.Status {
	case StatusDisconnected:
		if out.Text != "" {
			out.Persisted = r.persist(ctx, logger, roomID, out.Text)
		}
	case StatusFailed:
		kind := llm.Classify(out.Err)
		logger.Warn("Completion stream failed", zap.String("kind", string(kind)), zap.Error(out.Err))
		if err := sink.Send(Event{Text: kind.Message(), Error: true, Code: string(kind)}); err != nil {
			out.Status = StatusDisconnected
		}
		if out.Text != "" {
			out.Persisted = r.persist(ctx, logger, roomID, out.Text)
		}
	default:
		out.Persisted = r.persist(ctx, logger, roomID, out.Text)
	}

	if out.Status != StatusDisconnected {
		if err := sink.Send(Event{Done: true}); err != nil {
			logger.Debug("Terminal event not delivered", zap.Error(err))
		}
	}

	logger.Info("Completion stream finished",
		zap.String("status", string(out.Status)),
		zap.Int("fragments", out.Fragments),
		zap.Int("bytes", len(out.Text)),
		zap.Bool("persisted", out.Persisted))
	return out
}

// stream forwards fragments to sink until the model finishes, fails, stalls
// or the caller goes away.
func (r *Relay) stream(ctx context.Context, turns []models.Turn, sink Sink) Outcome {
	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var idle *time.Timer
	if r.idleTimeout > 0 {
		idle = time.AfterFunc(r.idleTimeout, func() { cancel(errIdleTimeout) })
		defer idle.Stop()
	}

	var (
		text      strings.Builder
		fragments int
		streamErr error
		gone      bool
	)
	for frag, err := range r.client.Stream(streamCtx, turns) {
		if err != nil {
			streamErr = err
			break
		}
		if idle != nil {
			idle.Reset(r.idleTimeout)
		}
		fragments++
		text.WriteString(frag)
		if sendErr := sink.Send(Event{Text: frag}); sendErr != nil {
			gone = true
			break
		}
	}

	out := Outcome{Text: text.String(), Fragments: fragments}
	switch {
	case gone || ctx.Err() != nil:
		out.Status = StatusDisconnected
		out.Err = context.Cause(ctx)
	case streamErr != nil && errors.Is(context.Cause(streamCtx), errIdleTimeout):
		out.Status = StatusFailed
		out.Err = &llm.Error{Kind: llm.KindTimeout, Op: "stream", Err: errIdleTimeout}
	case streamErr != nil:
		out.Status = StatusFailed
		out.Err = streamErr
	default:
		out.Status = StatusCompleted
	}
	return out
}

// persist stores the assistant turn on a context detached from the request so
// a disconnect does not cancel the write.
func (r *Relay) persist(ctx context.Context, logger *zap.Logger, roomID, text string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()

	if _, err := r.store.AppendMessage(ctx, roomID, models.RoleAssistant, text); err != nil {
		logger.Error("Failed to store assistant reply", zap.Int("bytes", len(text)), zap.Error(err))
		return false
	}
	return true
}
