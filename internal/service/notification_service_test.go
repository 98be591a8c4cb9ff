package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/storefront-chat/internal/config"
	"github.com/spec-kit/storefront-chat/internal/domain"
	"github.com/spec-kit/storefront-chat/internal/events"
	"github.com/spec-kit/storefront-chat/internal/repository/memstore"
	apperrors "github.com/spec-kit/storefront-chat/pkg/util"
)

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) Send(ctx context.Context, mail Mail) error {
	args := m.Called(ctx, mail)
	return args.Error(0)
}

type notificationFixture struct {
	chat   *ChatService
	notify *NotificationService
	store  *memstore.Store
	mailer *mockMailer
	user   *domain.User
}

func newNotificationFixture(t *testing.T) *notificationFixture {
	t.Helper()
	store := memstore.New()
	dispatcher := events.NewInMemoryDispatcher(zap.NewNop())
	mailer := &mockMailer{}
	notify := NewNotificationService(NotificationDependencies{
		Dispatcher:       dispatcher,
		NotificationRepo: store.Notifications(),
		UserRepo:         store.Users(),
		MessageRepo:      store.Messages(),
		Mailer:           mailer,
	})
	notify.RegisterHandlers()
	chat := NewChatService(config.ChatConfig{}, ChatDependencies{
		SessionRepo: store.Sessions(),
		MessageRepo: store.Messages(),
		CursorRepo:  store.Cursors(),
		Dispatcher:  dispatcher,
	})
	user := &domain.User{Name: "Ann", Email: "ann@example.com", Status: domain.UserStatusActive}
	require.NoError(t, store.Users().Create(context.Background(), user))
	return &notificationFixture{chat: chat, notify: notify, store: store, mailer: mailer, user: user}
}

func kinds(list []domain.Notification) []domain.NotificationKind {
	out := make([]domain.NotificationKind, len(list))
	for i, n := range list {
		out[i] = n.Kind
	}
	return out
}

func TestNotificationsFollowConversation(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(t)
	cust := &domain.Principal{ActorID: f.user.ID, Role: domain.RoleCustomer, DisplayName: "Ann"}
	dana := agent(7, "Dana")

	f.mailer.On("Send", mock.Anything, mock.MatchedBy(func(m Mail) bool {
		return m.ToEmail == "ann@example.com" && m.ToName == "Ann"
	})).Return(nil).Once()

	session, err := f.chat.StartSession(ctx, cust)
	require.NoError(t, err)
	_, err = f.chat.AcceptSession(ctx, dana, session.ID)
	require.NoError(t, err)
	_, err = f.chat.PostMessage(ctx, cust, session.ID, "where is my order?")
	require.NoError(t, err)
	_, err = f.chat.PostMessage(ctx, dana, session.ID, "checking now")
	require.NoError(t, err)
	_, err = f.chat.EndSession(ctx, dana, session.ID)
	require.NoError(t, err)

	customerFeed, err := f.notify.List(ctx, cust, false, 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.NotificationKind{
		domain.NotificationChatClosed,
		domain.NotificationChatMessage,
		domain.NotificationChatAccepted,
	}, kinds(customerFeed))
	assert.Equal(t, "Dana accepted your chat.", customerFeed[2].Body)

	danaFeed, err := f.notify.List(ctx, dana, false, 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.NotificationKind{
		domain.NotificationChatMessage,
		domain.NotificationChatRequested,
	}, kinds(danaFeed))

	otherFeed, err := f.notify.List(ctx, agent(8, "Eli"), false, 0)
	require.NoError(t, err)
	assert.Len(t, otherFeed, 1, "only the broadcast request reaches other agents")

	f.mailer.AssertExpectations(t)
	sent := f.mailer.Calls[0].Arguments.Get(1).(Mail)
	assert.Contains(t, sent.PlainText, "Support: checking now")
	assert.Contains(t, sent.HTML, "where is my order?")
}

func TestDeclineNotifiesCustomerAndMailsTranscript(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(t)
	cust := &domain.Principal{ActorID: f.user.ID, Role: domain.RoleCustomer, DisplayName: "Ann"}
	f.mailer.On("Send", mock.Anything, mock.Anything).Return(errors.New("smtp down")).Once()

	session, err := f.chat.StartSession(ctx, cust)
	require.NoError(t, err)
	_, err = f.chat.DeclineSession(ctx, agent(7, "Dana"), session.ID)
	require.NoError(t, err, "mail failures never fail the transition")

	feed, err := f.notify.List(ctx, cust, true, 0)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, domain.NotificationChatDeclined, feed[0].Kind)

	require.NoError(t, f.notify.MarkRead(ctx, cust, feed[0].ID))
	feed, err = f.notify.List(ctx, cust, true, 0)
	require.NoError(t, err)
	assert.Empty(t, feed)

	err = f.notify.MarkRead(ctx, cust, 12345)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	f.mailer.AssertExpectations(t)
}

func TestRenderTranscriptEscapesHTML(t *testing.T) {
	plain, rich := renderTranscript([]domain.ChatMessage{
		{SenderType: domain.RoleCustomer, Body: "<script>x</script>"},
		{SenderType: domain.RoleSystem, Body: "closed"},
	})
	assert.Contains(t, plain, "You: <script>x</script>")
	assert.Contains(t, plain, "System: closed")
	assert.NotContains(t, rich, "<script>")
	assert.Contains(t, rich, "&lt;script&gt;")
}
