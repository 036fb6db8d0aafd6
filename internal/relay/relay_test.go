package relay

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RichardoC/chatrooms/internal/db"
	"github.com/RichardoC/chatrooms/internal/llm"
	"github.com/RichardoC/chatrooms/internal/models"
)

// scriptedClient yields fragments, then err if set. When hang is true it
// blocks after the fragments until its context ends.
type scriptedClient struct {
	fragments []string
	err       error
	hang      bool

	mu     sync.Mutex
	calls  int
	turns  []models.Turn
	pulled int
}

func (c *scriptedClient) Model() string { return "scripted" }

func (c *scriptedClient) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[string, error] {
	c.mu.Lock()
	c.calls++
	c.turns = turns
	c.mu.Unlock()
	return func(yield func(string, error) bool) {
		for _, f := range c.fragments {
			c.mu.Lock()
			c.pulled++
			c.mu.Unlock()
			if !yield(f, nil) {
				return
			}
		}
		if c.hang {
			<-ctx.Done()
			yield("", ctx.Err())
			return
		}
		if c.err != nil {
			yield("", c.err)
		}
	}
}

type recordingSink struct {
	events []Event
	// failAt makes the Nth Send (1-based) and every later one fail.
	failAt int
	onSend func(n int)
}

func (s *recordingSink) Send(e Event) error {
	n := len(s.events) + 1
	if s.failAt > 0 && n >= s.failAt {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, e)
	if s.onSend != nil {
		s.onSend(n)
	}
	return nil
}

// flakyStore fails selected operations on top of a memory store.
type flakyStore struct {
	*db.MemoryStore
	failAppendRole models.Role
	failList       bool
	appendDelay    time.Duration
}

func (s *flakyStore) AppendMessage(ctx context.Context, roomID string, role models.Role, content string) (models.Message, error) {
	if s.appendDelay > 0 {
		select {
		case <-time.After(s.appendDelay):
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		}
	}
	if role == s.failAppendRole {
		return models.Message{}, db.ErrUnavailable
	}
	return s.MemoryStore.AppendMessage(ctx, roomID, role, content)
}

func (s *flakyStore) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	if s.failList {
		return nil, db.ErrUnavailable
	}
	return s.MemoryStore.ListMessages(ctx, roomID)
}

func newRoom(t *testing.T, store db.Store) models.Room {
	t.Helper()
	room, err := store.CreateRoom(context.Background(), "R1")
	require.NoError(t, err)
	return room
}

func newRelay(t *testing.T, store db.Store, client llm.Client, opts ...Option) *Relay {
	t.Helper()
	r, err := New(store, client, zap.NewNop(), opts...)
	require.NoError(t, err)
	return r
}

type storedTurn struct {
	Role    models.Role
	Content string
}

func storedTurns(t *testing.T, store db.Store, roomID string) []storedTurn {
	t.Helper()
	msgs, err := store.ListMessages(context.Background(), roomID)
	require.NoError(t, err)
	out := make([]storedTurn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, storedTurn{m.Role, m.Content})
	}
	return out
}

func TestNew_ValidatesDependencies(t *testing.T) {
	_, err := New(nil, &scriptedClient{}, nil)
	require.Error(t, err)
	_, err = New(db.NewMemoryStore(), nil, nil)
	require.Error(t, err)
	r, err := New(db.NewMemoryStore(), &scriptedClient{}, nil)
	require.NoError(t, err)
	require.NotNil(t, r.logger)
}

func TestRun_StreamsAndPersistsReply(t *testing.T) {
	store := db.NewMemoryStore()
	room := newRoom(t, store)
	client := &scriptedClient{fragments: []string{"Hi", " there"}}
	sink := &recordingSink{}

	out := newRelay(t, store, client).Run(context.Background(), room.ID, "Hello", sink)

	require.Equal(t, []Event{{Text: "Hi"}, {Text: " there"}, {Done: true}}, sink.events)
	require.Equal(t, StatusCompleted, out.Status)
	require.Equal(t, "Hi there", out.Text)
	require.Equal(t, 2, out.Fragments)
	require.True(t, out.Persisted)
	require.Equal(t, []storedTurn{
		{models.RoleUser, "Hello"},
		{models.RoleAssistant, "Hi there"},
	}, storedTurns(t, store, room.ID))
	require.Equal(t, []models.Turn{{Role: models.RoleUser, Content: "Hello"}}, client.turns)
}

func TestRun_PartialReplyPersistedOnUpstreamError(t *testing.T) {
	store := db.NewMemoryStore()
	room := newRoom(t, store)
	client := &scriptedClient{fragments: []string{"Par"}, err: &llm.Error{Kind: llm.KindUnavailable, Op: "receive", Err: errors.New("connection reset by 10.0.0.7")}}
	sink := &recordingSink{}

	out := newRelay(t, store, client).Run(context.Background(), room.ID, "Hello", sink)

	require.Len(t, sink.events, 3)
	require.Equal(t, Event{Text: "Par"}, sink.events[0])
	require.True(t, sink.events[1].Error)
	require.Equal(t, string(llm.KindUnavailable), sink.events[1].Code)
	require.Equal(t, llm.KindUnavailable.Message(), sink.events[1].Text)
	require.NotContains(t, sink.events[1].Text, "10.0.0.7")
	require.Equal(t, Event{Done: true}, sink.events[2])

	require.Equal(t, StatusFailed, out.Status)
	require.True(t, out.Persisted)
	require.Equal(t, []storedTurn{
		{models.RoleUser, "Hello"},
		{models.RoleAssistant, "Par"},
	}, storedTurns(t, store, room.ID))
}

func TestRun_NothingPersistedWhenUpstreamFailsImmediately(t *testing.T) {
	store := db.NewMemoryStore()
	room := newRoom(t, store)
	client := &scriptedClient{err: errors.New("API returned unexpected status code: 429: quota")}
	sink := &recordingSink{}

	out := newRelay(t, store, client).Run(context.Background(), room.ID, "Hello", sink)

	require.Len(t, sink.events, 2)
	require.True(t, sink.events[0].Error)
	require.Equal(t, string(llm.KindRateLimited), sink.events[0].Code)
	require.Equal(t, Event{Done: true}, sink.events[1])
	require.False(t, out.Persisted)
	require.Equal(t, []storedTurn{{models.RoleUser, "Hello"}}, storedTurns(t, store, room.ID))
}

func TestRun_EmptyReplyStillPersistedOnce(t *testing.T) {
	store := db.NewMemoryStore()
	room := newRoom(t, store)
	sink := &recordingSink{}

	out := newRelay(t, store, &scriptedClient{}).Run(context.Background(), room.ID, "Hello", sink)

	require.Equal(t, []Event{{Done: true}}, sink.events)
	require.True(t, out.Persisted)
	require.Equal(t, []storedTurn{
		{models.RoleUser, "Hello"},
		{models.RoleAssistant, ""},
	}, storedTurns(t, store, room.ID))
}

func TestRun_DisconnectStopsConsumingAndKeepsPartial(t *testing.T) {
	store := db.NewMemoryStore()
	room := newRoom(t, store)
	client := &scriptedClient{fragments: []string{"one", "two", "three", "four"}}
	sink := &recordingSink{failAt: 3}

	out := newRelay(t, store, client).Run(context.Background(), room.ID, "Hello", sink)

	require.Equal(t, StatusDisconnected, out.Status)
	require.Equal(t, []Event{{Text: "one"}, {Text: "two"}}, sink.events)
	require.Equal(t, 3, client.pulled, "no fragment is pulled after the failed send")
	require.True(t, out.Persisted)
	require.Equal(t, []storedTurn{
		{models.RoleUser, "Hello"},
		{models.RoleAssistant, "onetwothree"},
	}, storedTurns(t, store, room.ID))
}

func TestRun_RequestCancellationPersistsWithDetachedContext(t *testing.T) {
	store := &flakyStore{MemoryStore: db.NewMemoryStore()}
	room := newRoom(t, store)
	client := &scriptedClient{fragments: []string{"Hel"}, hang: true}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{onSend: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	// the write must outlive the cancelled request
	store.appendDelay = 10 * time.Millisecond

	out := newRelay(t, store, client).Run(ctx, room.ID, "Hello", sink)

	require.Equal(t, StatusDisconnected, out.Status)
	require.Equal(t, []Event{{Text: "Hel"}}, sink.events)
	require.True(t, out.Persisted)
	turns := storedTurns(t, store.MemoryStore, room.ID)
	require.Equal(t, storedTurn{models.RoleAssistant, "Hel"}, turns[len(turns)-1])
}

func TestRun_IdleTimeoutIsAnUpstreamError(t *testing.T) {
	store := db.NewMemoryStore()
	room := newRoom(t, store)
	client := &scriptedClient{fragments: []string{"slow"}, hang: true}
	sink := &recordingSink{}

	out := newRelay(t, store, client, WithIdleTimeout(20*time.Millisecond)).
		Run(context.Background(), room.ID, "Hello", sink)

	require.Equal(t, StatusFailed, out.Status)
	require.Equal(t, llm.KindTimeout, llm.Classify(out.Err))
	require.Len(t, sink.events, 3)
	require.Equal(t, string(llm.KindTimeout), sink.events[1].Code)
	require.Equal(t, Event{Done: true}, sink.events[2])
	turns := storedTurns(t, store, room.ID)
	require.Equal(t, storedTurn{models.RoleAssistant, "slow"}, turns[len(turns)-1])
}

func TestRun_StoreUnavailableStillTerminates(t *testing.T) {
	store := &flakyStore{MemoryStore: db.NewMemoryStore(), failAppendRole: models.RoleAssistant}
	room := newRoom(t, store)
	sink := &recordingSink{}

	out := newRelay(t, store, &scriptedClient{fragments: []string{"Hi"}}).
		Run(context.Background(), room.ID, "Hello", sink)

	require.Equal(t, StatusCompleted, out.Status)
	require.False(t, out.Persisted)
	require.Equal(t, []Event{{Text: "Hi"}, {Done: true}}, sink.events)
}

func TestRun_DegradesWhenPromptAndHistoryCannotBeStored(t *testing.T) {
	store := &flakyStore{MemoryStore: db.NewMemoryStore(), failAppendRole: models.RoleUser, failList: true}
	room := newRoom(t, store)
	client := &scriptedClient{fragments: []string{"ok"}}
	sink := &recordingSink{}

	out := newRelay(t, store, client).Run(context.Background(), room.ID, "Hello", sink)

	require.Equal(t, StatusCompleted, out.Status)
	require.Equal(t, []models.Turn{{Role: models.RoleUser, Content: "Hello"}}, client.turns)
	require.Equal(t, []Event{{Text: "ok"}, {Done: true}}, sink.events)
}

func TestRun_KeepsStoredPromptWhenHistoryCannotBeLoaded(t *testing.T) {
	store := &flakyStore{MemoryStore: db.NewMemoryStore(), failList: true}
	room := newRoom(t, store)
	client := &scriptedClient{fragments: []string{"ok"}}
	sink := &recordingSink{}

	out := newRelay(t, store, client).Run(context.Background(), room.ID, "Hello", sink)

	require.Equal(t, StatusCompleted, out.Status)
	require.True(t, out.Persisted)
	require.Equal(t, []models.Turn{{Role: models.RoleUser, Content: "Hello"}}, client.turns)
	require.Equal(t, []Event{{Text: "ok"}, {Done: true}}, sink.events)
	require.Equal(t, []storedTurn{
		{models.RoleUser, "Hello"},
		{models.RoleAssistant, "ok"},
	}, storedTurns(t, store.MemoryStore, room.ID))
}

func TestRun_AnswersPendingPrompt(t *testing.T) {
	store := db.NewMemoryStore()
	room := newRoom(t, store)
	_, err := store.AppendMessage(context.Background(), room.ID, models.RoleUser, "Stored question")
	require.NoError(t, err)
	client := &scriptedClient{fragments: []string{"Answer"}}
	sink := &recordingSink{}

	out := newRelay(t, store, client).Run(context.Background(), room.ID, "", sink)

	require.Equal(t, StatusCompleted, out.Status)
	require.Equal(t, []storedTurn{
		{models.RoleUser, "Stored question"},
		{models.RoleAssistant, "Answer"},
	}, storedTurns(t, store, room.ID))
}

func TestRun_RejectsWhenNothingIsPending(t *testing.T) {
	store := db.NewMemoryStore()
	room := newRoom(t, store)
	client := &scriptedClient{fragments: []string{"never"}}
	sink := &recordingSink{}

	out := newRelay(t, store, client).Run(context.Background(), room.ID, "  ", sink)

	require.Equal(t, StatusRejected, out.Status)
	require.Zero(t, client.calls)
	require.Len(t, sink.events, 2)
	require.Equal(t, CodeNoPendingPrompt, sink.events[0].Code)
	require.Equal(t, Event{Done: true}, sink.events[1])
	require.Empty(t, storedTurns(t, store, room.ID))
}

func TestRun_SystemPromptAndHistoryWindow(t *testing.T) {
	store := db.NewMemoryStore()
	room := newRoom(t, store)
	ctx := context.Background()
	for _, m := range []storedTurn{
		{models.RoleUser, "q1"}, {models.RoleAssistant, "a1"},
		{models.RoleUser, "q2"}, {models.RoleAssistant, "a2"},
	} {
		_, err := store.AppendMessage(ctx, room.ID, m.Role, m.Content)
		require.NoError(t, err)
	}
	client := &scriptedClient{fragments: []string{"a3"}}

	newRelay(t, store, client, WithSystemPrompt("Be terse."), WithMaxHistory(3)).
		Run(ctx, room.ID, "q3", &recordingSink{})

	require.Equal(t, []models.Turn{
		{Role: models.RoleSystem, Content: "Be terse."},
		{Role: models.RoleUser, Content: "q2"},
		{Role: models.RoleAssistant, Content: "a2"},
		{Role: models.RoleUser, Content: "q3"},
	}, client.turns)
}

func TestRun_ConcurrentRoomsDoNotInterfere(t *testing.T) {
	store := db.NewMemoryStore()
	r := newRelay(t, store, &scriptedClient{fragments: []string{"x", "y"}})

	const n = 8
	rooms := make([]models.Room, n)
	for i := range rooms {
		rooms[i] = newRoom(t, store)
	}
	var wg sync.WaitGroup
	for _, room := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(context.Background(), room.ID, "go", &recordingSink{})
		}()
	}
	wg.Wait()

	for _, room := range rooms {
		require.Equal(t, []storedTurn{
			{models.RoleUser, "go"},
			{models.RoleAssistant, "xy"},
		}, storedTurns(t, store, room.ID))
	}
}
