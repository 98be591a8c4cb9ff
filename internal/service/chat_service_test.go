package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/storefront-chat/internal/config"
	"github.com/spec-kit/storefront-chat/internal/domain"
	"github.com/spec-kit/storefront-chat/internal/events"
	"github.com/spec-kit/storefront-chat/internal/repository/memstore"
	apperrors "github.com/spec-kit/storefront-chat/pkg/util"
)

type chatFixture struct {
	svc      *ChatService
	store    *memstore.Store
	recorded *eventRecorder
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type denyAfter struct {
	mu    sync.Mutex
	limit int
	seen  map[string]int
}

func (d *denyAfter) Allow(_ context.Context, subject string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[subject]++
	return d.seen[subject] <= d.limit
}

func newChatFixture(t *testing.T, limiter SendLimiter) *chatFixture {
	t.Helper()
	store := memstore.New()
	dispatcher := events.NewInMemoryDispatcher(zap.NewNop())
	recorder := &eventRecorder{}
	for _, et := range []events.EventType{events.EventSessionCreated, events.EventSessionStatusChanged, events.EventMessageAdded} {
		dispatcher.Subscribe(et, recorder.handle)
	}
	svc := NewChatService(config.ChatConfig{MaxMessageLength: 50}, ChatDependencies{
		SessionRepo: store.Sessions(),
		MessageRepo: store.Messages(),
		CursorRepo:  store.Cursors(),
		Dispatcher:  dispatcher,
		Limiter:     limiter,
	})
	return &chatFixture{svc: svc, store: store, recorded: recorder}
}

func customer(id int64) *domain.Principal {
	return &domain.Principal{ActorID: id, Role: domain.RoleCustomer, DisplayName: "Customer"}
}

func agent(id int64, name string) *domain.Principal {
	role := domain.StaffRoleAgent
	return &domain.Principal{ActorID: id, Role: domain.RoleAdmin, StaffRole: &role, DisplayName: name}
}

func supervisor(id int64) *domain.Principal {
	role := domain.StaffRoleAdmin
	return &domain.Principal{ActorID: id, Role: domain.RoleAdmin, StaffRole: &role, DisplayName: "Lead"}
}

func bodies(msgs []domain.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	cust, ag := customer(42), agent(7, "Dana")

	session, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPending, session.Status)
	assert.Nil(t, session.AgentID)

	res, err := f.svc.AcceptSession(ctx, ag, session.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.SessionStatusActive, res.Session.Status)
	require.NotNil(t, res.Session.AgentID)
	assert.Equal(t, int64(7), *res.Session.AgentID)

	m1, err := f.svc.PostMessage(ctx, cust, session.ID, "Hi")
	require.NoError(t, err)

	batch, err := f.svc.GetMessages(ctx, ag, session.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusActive, batch.Status)
	require.Len(t, batch.Messages, 2)
	assert.Equal(t, domain.RoleSystem, batch.Messages[0].SenderType)
	assert.Equal(t, "Dana has joined the chat.", batch.Messages[0].Body)
	assert.Equal(t, m1.ID, batch.Messages[1].ID)
	assert.Equal(t, "Hi", batch.Messages[1].Body)

	res, err = f.svc.EndSession(ctx, ag, session.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.SessionStatusClosed, res.Session.Status)
	assert.NotNil(t, res.Session.ClosedAt)

	_, err = f.svc.PostMessage(ctx, cust, session.ID, "still there?")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeSessionClosed))

	batch, err = f.svc.GetMessages(ctx, cust, session.ID, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusClosed, batch.Status)
	assert.Equal(t, []string{"Dana ended the chat."}, bodies(batch.Messages))
}

func TestDeclineScenario(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)

	session, err := f.svc.StartSession(ctx, customer(5))
	require.NoError(t, err)

	res, err := f.svc.DeclineSession(ctx, agent(7, "Dana"), session.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.SessionStatusClosed, res.Session.Status)
	assert.Nil(t, res.Session.AgentID)

	batch, err := f.svc.GetMessages(ctx, customer(5), session.ID, 0)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, domain.RoleSystem, batch.Messages[0].SenderType)
	assert.Nil(t, batch.Messages[0].SenderID)
	assert.Equal(t, declineMessage, batch.Messages[0].Body)

	again, err := f.svc.DeclineSession(ctx, agent(8, "Eli"), session.ID)
	require.NoError(t, err)
	assert.False(t, again.Changed)

	_, err = f.svc.AcceptSession(ctx, agent(8, "Eli"), session.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState))
}

func TestMonotonicDeliveryAcrossPolls(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	cust, ag := customer(1), agent(2, "Dana")

	session, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)
	_, err = f.svc.AcceptSession(ctx, ag, session.ID)
	require.NoError(t, err)

	var seen []int64
	cursor := int64(0)
	poll := func() {
		batch, err := f.svc.GetMessages(ctx, cust, session.ID, cursor)
		require.NoError(t, err)
		for _, m := range batch.Messages {
			assert.Greater(t, m.ID, cursor)
			seen = append(seen, m.ID)
			cursor = m.ID
		}
	}

	for i := 0; i < 5; i++ {
		_, err := f.svc.PostMessage(ctx, ag, session.ID, "ping")
		require.NoError(t, err)
		if i%2 == 0 {
			poll()
		}
	}
	poll()
	poll()

	assert.Len(t, seen, 6, "join message plus five posts")
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	session, err := f.svc.StartSession(ctx, customer(1))
	require.NoError(t, err)

	const agents = 8
	results := make([]*TransitionResult, agents)
	errs := make([]error, agents)
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.AcceptSession(ctx, agent(int64(100+i), "Agent"), session.ID)
		}(i)
	}
	wg.Wait()

	winners := 0
	var winner int64
	for i := 0; i < agents; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.SessionStatusActive, results[i].Session.Status)
		if results[i].Changed {
			winners++
			winner = int64(100 + i)
		}
	}
	assert.Equal(t, 1, winners)

	stored, err := f.store.Sessions().GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.AgentID)
	assert.Equal(t, winner, *stored.AgentID)

	batch, err := f.svc.GetMessages(ctx, customer(1), session.ID, 0)
	require.NoError(t, err)
	assert.Len(t, batch.Messages, 1, "only the winner announces itself")
}

func TestAcceptIsIdempotentForRetries(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	ag := agent(3, "Dana")
	session, err := f.svc.StartSession(ctx, customer(1))
	require.NoError(t, err)

	first, err := f.svc.AcceptSession(ctx, ag, session.ID)
	require.NoError(t, err)
	second, err := f.svc.AcceptSession(ctx, ag, session.ID)
	require.NoError(t, err)

	assert.True(t, first.Changed)
	assert.False(t, second.Changed)
	assert.Len(t, f.recorded.ofType(events.EventSessionStatusChanged), 1)
}

func TestMessageBodyRoundTripsVerbatim(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	cust := customer(1)
	session, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)

	for _, body := range []string{"hello", "  spaced  ", "línea\nnueva <b>"} {
		msg, err := f.svc.PostMessage(ctx, cust, session.ID, body)
		require.NoError(t, err)
		batch, err := f.svc.GetMessages(ctx, cust, session.ID, msg.ID-1)
		require.NoError(t, err)
		require.Len(t, batch.Messages, 1)
		assert.Equal(t, body, batch.Messages[0].Body)
		assert.Equal(t, domain.RoleCustomer, batch.Messages[0].SenderType)
	}
}

func TestPostMessageValidation(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	cust := customer(1)
	session, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)

	_, err = f.svc.PostMessage(ctx, cust, session.ID, "   \n\t")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = f.svc.PostMessage(ctx, cust, session.ID, strings.Repeat("é", 51))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = f.svc.PostMessage(ctx, cust, session.ID, strings.Repeat("é", 50))
	assert.NoError(t, err)

	_, err = f.svc.PostMessage(ctx, cust, 999, "hi")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))

	_, err = f.svc.PostMessage(ctx, agent(2, "Dana"), session.ID, "hi")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState), "agents reply only after accepting")

	_, err = f.svc.PostMessage(ctx, customer(9), session.ID, "hi")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeForbidden))
}

func TestStartSessionConflict(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	cust := customer(1)

	first, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)

	_, err = f.svc.StartSession(ctx, cust)
	require.Error(t, err)
	derr := apperrors.ToDomainError(err)
	assert.Equal(t, apperrors.CodeConflict, derr.Code)
	assert.Equal(t, first.ID, derr.Details["session_id"])

	current, err := f.svc.CurrentSession(ctx, cust)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, first.ID, current.ID)

	_, err = f.svc.EndSession(ctx, cust, first.ID)
	require.NoError(t, err)

	current, err = f.svc.CurrentSession(ctx, cust)
	require.NoError(t, err)
	assert.Nil(t, current)

	second, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.svc.StartSession(ctx, agent(5, "Dana"))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeForbidden))
}

func TestConcurrentStartCreatesOneSession(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.StartSession(ctx, customer(1))
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
				return
			}
			assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestEndSessionRules(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	cust := customer(1)

	session, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)

	_, err = f.svc.EndSession(ctx, agent(2, "Dana"), session.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState))

	res, err := f.svc.EndSession(ctx, cust, session.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = f.svc.EndSession(ctx, cust, session.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	batch, err := f.svc.GetMessages(ctx, cust, session.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{customerEnded}, bodies(batch.Messages))

	_, err = f.svc.AcceptSession(ctx, agent(2, "Dana"), session.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState))
	_, err = f.svc.DeclineSession(ctx, agent(2, "Dana"), session.ID)
	assert.NoError(t, err)
}

func TestAgentAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	owner, other := agent(2, "Dana"), agent(3, "Eli")

	session, err := f.svc.StartSession(ctx, customer(1))
	require.NoError(t, err)

	_, err = f.svc.GetMessages(ctx, other, session.ID, 0)
	assert.NoError(t, err, "pending sessions are visible to every agent")

	_, err = f.svc.AcceptSession(ctx, owner, session.ID)
	require.NoError(t, err)

	_, err = f.svc.PostMessage(ctx, other, session.ID, "hi")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeForbidden))
	_, err = f.svc.EndSession(ctx, other, session.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeForbidden))

	_, err = f.svc.PostMessage(ctx, supervisor(9), session.ID, "stepping in")
	assert.NoError(t, err)

	_, err = f.svc.ListSessions(ctx, customer(1), SessionListFilter{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeForbidden))
}

func TestUnreadCountsAndMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	cust, ag := customer(1), agent(2, "Dana")

	session, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, cust, session.ID, "anyone?")
	require.NoError(t, err)
	_, err = f.svc.AcceptSession(ctx, ag, session.ID)
	require.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, cust, session.ID, "hello")
	require.NoError(t, err)
	reply, err := f.svc.PostMessage(ctx, ag, session.ID, "hi, how can I help?")
	require.NoError(t, err)

	n, err := f.svc.UnreadCount(ctx, ag, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "system join message is not counted")

	n, err = f.svc.UnreadCount(ctx, cust, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	summaries, err := f.svc.ListSessions(ctx, ag, SessionListFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].UnreadCount)

	_, err = f.svc.GetMessages(ctx, ag, session.ID, 0)
	require.NoError(t, err)
	n, err = f.svc.UnreadCount(ctx, ag, session.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.svc.MarkRead(ctx, cust, session.ID, reply.ID))
	n, err = f.svc.UnreadCount(ctx, cust, session.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = f.svc.MarkRead(ctx, cust, session.ID, 0)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	// ids past the end of the log only move the cursor to the newest message
	require.NoError(t, f.svc.MarkRead(ctx, ag, session.ID, 1_000_000))
	for _, body := range []string{"one", "two", "three"} {
		_, err = f.svc.PostMessage(ctx, cust, session.ID, body)
		require.NoError(t, err)
	}
	n, err = f.svc.UnreadCount(ctx, ag, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	summaries, err = f.svc.ListSessions(ctx, ag, SessionListFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].UnreadCount)
}

func TestTransitionRejectsIllegalPairs(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	cust, ag := customer(1), agent(2, "Dana")

	session, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)
	_, err = f.svc.EndSession(ctx, cust, session.ID)
	require.NoError(t, err)

	agentID := ag.ActorID
	ok, err := f.svc.transition(ctx, session.ID, domain.SessionStatusClosed, domain.SessionStatusActive, &agentID)
	assert.False(t, ok)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState))

	_, err = f.svc.transition(ctx, session.ID, domain.SessionStatusClosed, domain.SessionStatusPending, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState))

	stored, err := f.store.Sessions().GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusClosed, stored.Status)
	assert.Nil(t, stored.AgentID)
}

func TestListSessionsFilters(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	ag := agent(2, "Dana")

	pending, err := f.svc.StartSession(ctx, customer(1))
	require.NoError(t, err)
	mine, err := f.svc.StartSession(ctx, customer(2))
	require.NoError(t, err)
	theirs, err := f.svc.StartSession(ctx, customer(3))
	require.NoError(t, err)
	_, err = f.svc.AcceptSession(ctx, ag, mine.ID)
	require.NoError(t, err)
	_, err = f.svc.AcceptSession(ctx, agent(4, "Eli"), theirs.ID)
	require.NoError(t, err)

	all, err := f.svc.ListSessions(ctx, ag, SessionListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	own, err := f.svc.ListSessions(ctx, ag, SessionListFilter{Mine: true})
	require.NoError(t, err)
	ids := []int64{}
	for _, s := range own {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []int64{pending.ID, mine.ID}, ids)

	waiting, err := f.svc.ListSessions(ctx, ag, SessionListFilter{Statuses: []domain.SessionStatus{domain.SessionStatusPending}})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, pending.ID, waiting[0].ID)

	_, err = f.svc.ListSessions(ctx, ag, SessionListFilter{Statuses: []domain.SessionStatus{"archived"}})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestSendRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, &denyAfter{limit: 2, seen: map[string]int{}})
	cust := customer(1)
	session, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.svc.PostMessage(ctx, cust, session.ID, "x")
		require.NoError(t, err)
	}
	_, err = f.svc.PostMessage(ctx, cust, session.ID, "x")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeRateLimited))
}

func TestCloseStalePending(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f.store.WithClock(func() time.Time { return clock })
	f.svc.now = func() time.Time { return clock }

	stale, err := f.svc.StartSession(ctx, customer(1))
	require.NoError(t, err)
	accepted, err := f.svc.StartSession(ctx, customer(2))
	require.NoError(t, err)
	_, err = f.svc.AcceptSession(ctx, agent(3, "Dana"), accepted.ID)
	require.NoError(t, err)

	clock = clock.Add(20 * time.Minute)
	fresh, err := f.svc.StartSession(ctx, customer(4))
	require.NoError(t, err)

	clock = clock.Add(15 * time.Minute)
	closed, err := f.svc.CloseStalePending(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	batch, err := f.svc.GetMessages(ctx, customer(1), stale.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusClosed, batch.Status)
	assert.Equal(t, []string{timeoutMessage}, bodies(batch.Messages))

	batch, err = f.svc.GetMessages(ctx, customer(4), fresh.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPending, batch.Status)

	changes := f.recorded.ofType(events.EventSessionStatusChanged)
	require.NotEmpty(t, changes)
	var payload events.SessionStatusChangedPayload
	require.NoError(t, changes[len(changes)-1].Decode(&payload))
	assert.Equal(t, ReasonTimeout, payload.Reason)
	assert.Equal(t, domain.RoleSystem, changes[len(changes)-1].Actor.Role)

	closed, err = f.svc.CloseStalePending(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, closed)
}

func TestEventsCarrySessionContext(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, nil)
	cust := customer(1)
	session, err := f.svc.StartSession(ctx, cust)
	require.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, cust, session.ID, "need help with order")
	require.NoError(t, err)

	created := f.recorded.ofType(events.EventSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, session.ID, created[0].SessionID)

	added := f.recorded.ofType(events.EventMessageAdded)
	require.Len(t, added, 1)
	var payload events.MessageAddedPayload
	require.NoError(t, added[0].Decode(&payload))
	assert.Equal(t, int64(1), payload.CustomerID)
	assert.Equal(t, domain.RoleCustomer, payload.SenderType)
	assert.Equal(t, "need help with order", payload.BodyPreview)
}

func TestStringPreview(t *testing.T) {
	assert.Equal(t, "abc", stringPreview("  abc ", 10))
	assert.Equal(t, "abcd...", stringPreview("abcdefghij", 7))
	assert.Equal(t, "éé", stringPreview("éééé", 2))
}
