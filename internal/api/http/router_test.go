package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/storefront-chat/internal/api/http/handlers"
	"github.com/spec-kit/storefront-chat/internal/auth"
	"github.com/spec-kit/storefront-chat/internal/config"
	"github.com/spec-kit/storefront-chat/internal/domain"
	"github.com/spec-kit/storefront-chat/internal/events"
	"github.com/spec-kit/storefront-chat/internal/observability"
	"github.com/spec-kit/storefront-chat/internal/persistence"
	"github.com/spec-kit/storefront-chat/internal/realtime"
	"github.com/spec-kit/storefront-chat/internal/repository/memstore"
	"github.com/spec-kit/storefront-chat/internal/service"
)

type fixture struct {
	t       *testing.T
	app     *fiber.App
	authSvc *service.AuthService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	tokens := auth.NewTokenManager("test-secret", 60)

	authSvc := service.NewAuthService(config.AuthConfig{BcryptCost: bcrypt.MinCost}, service.AuthDependencies{
		UserRepo:     store.Users(),
		StaffRepo:    store.Staff(),
		TokenManager: tokens,
	})
	dispatcher := events.NewInMemoryDispatcher(logger)
	chatSvc := service.NewChatService(config.ChatConfig{}, service.ChatDependencies{
		SessionRepo: store.Sessions(),
		MessageRepo: store.Messages(),
		CursorRepo:  store.Cursors(),
		Dispatcher:  dispatcher,
		Logger:      logger,
	})
	notifySvc := service.NewNotificationService(service.NotificationDependencies{
		Dispatcher:       dispatcher,
		NotificationRepo: store.Notifications(),
		UserRepo:         store.Users(),
		MessageRepo:      store.Messages(),
		Logger:           logger,
	})
	notifySvc.RegisterHandlers()

	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, 0)
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("storefront-chat", "test", &persistence.Postgres{}, &persistence.Redis{}, false, metrics),
		Auth:           handlers.NewAuthHandler(authSvc, "auth_token", false),
		Chat:           handlers.NewChatHandler(chatSvc, metrics),
		Stream:         handlers.NewStreamHandler(chatSvc, realtime.NewHub(), time.Second, logger),
		Notifications:  handlers.NewNotificationsHandler(notifySvc),
		AuthMiddleware: auth.NewAuthMiddleware(tokens, store.Users(), store.Staff(), "auth_token"),
	})
	return &fixture{t: t, app: app, authSvc: authSvc}
}

func (f *fixture) do(method, path, token string, form url.Values) (int, map[string]any) {
	f.t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(f.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (f *fixture) action(token, action string, form url.Values) map[string]any {
	f.t.Helper()
	if form == nil {
		form = url.Values{}
	}
	status, body := f.do("POST", "/api/chat/"+action, token, form)
	require.Equal(f.t, 200, status, body)
	return body
}

func (f *fixture) registerCustomer(name, email string) string {
	f.t.Helper()
	status, body := f.do("POST", "/auth/customers/register", "", url.Values{
		"name": {name}, "email": {email}, "password": {"password123"},
	})
	require.Equal(f.t, fiber.StatusCreated, status, body)
	return tokenFrom(f.t, body)
}

func (f *fixture) staffToken(email string, role domain.StaffRole) string {
	f.t.Helper()
	_, err := f.authSvc.EnsureStaff(context.Background(), email, email, "password123", role)
	require.NoError(f.t, err)
	status, body := f.do("POST", "/auth/staff/login", "", url.Values{"email": {email}, "password": {"password123"}})
	require.Equal(f.t, 200, status, body)
	return tokenFrom(f.t, body)
}

func tokenFrom(t *testing.T, body map[string]any) string {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, body)
	authBlock, ok := data["auth"].(map[string]any)
	require.True(t, ok, body)
	token, _ := authBlock["token"].(string)
	require.NotEmpty(t, token)
	return token
}

// sid renders a JSON number as a form value.
func sid(v any) string {
	n, _ := v.(float64)
	return strconv.FormatInt(int64(n), 10)
}

func TestChatLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	customer := f.registerCustomer("Ann", "ann@example.com")
	agent := f.staffToken("agent@example.com", domain.StaffRoleAgent)

	started := f.action(customer, "start_chat", nil)
	assert.Equal(t, true, started["success"])
	sessionID := sid(started["session_id"])

	accepted := f.action(agent, "accept_chat", url.Values{"session_id": {sessionID}})
	assert.Equal(t, true, accepted["success"])
	assert.Equal(t, "active", accepted["session_status"])
	assert.Equal(t, true, accepted["changed"])

	sent := f.action(customer, "send_message", url.Values{"session_id": {sessionID}, "message": {"Hi"}})
	assert.Equal(t, true, sent["success"])
	assert.NotNil(t, sent["message_id"])

	batch := f.action(agent, "get_messages", url.Values{"session_id": {sessionID}, "last_message_id": {"0"}})
	assert.Equal(t, "active", batch["session_status"])
	msgs := batch["messages"].([]any)
	require.Len(t, msgs, 1)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "Hi", first["message"])
	assert.Equal(t, "customer", first["sender_type"])
	assert.Equal(t, sent["message_id"], first["id"])

	ended := f.action(agent, "end_chat", url.Values{"session_id": {sessionID}})
	assert.Equal(t, "closed", ended["session_status"])

	rejected := f.action(customer, "send_message", url.Values{"session_id": {sessionID}, "message": {"still there?"}})
	assert.Equal(t, false, rejected["success"])
	assert.Equal(t, "SESSION_CLOSED", rejected["code"])
	assert.NotEmpty(t, rejected["message"])
}

func TestDeclineLeavesSystemMessage(t *testing.T) {
	f := newFixture(t)
	customer := f.registerCustomer("Bo", "bo@example.com")
	agent := f.staffToken("agent@example.com", domain.StaffRoleAgent)

	sessionID := sid(f.action(customer, "start_chat", nil)["session_id"])
	declined := f.action(agent, "decline_chat", url.Values{"session_id": {sessionID}})
	assert.Equal(t, "closed", declined["session_status"])

	batch := f.action(customer, "get_messages", url.Values{"session_id": {sessionID}})
	msgs := batch["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "system", msgs[0].(map[string]any)["sender_type"])
	assert.Nil(t, msgs[0].(map[string]any)["sender_id"])
	assert.Equal(t, "closed", batch["session_status"])
}

func TestUnauthenticatedRequestsGet401(t *testing.T) {
	f := newFixture(t)
	status, body := f.do("POST", "/api/chat/start_chat", "", url.Values{})
	assert.Equal(t, 401, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	status, _ = f.do("POST", "/api/chat/start_chat", "not-a-token", url.Values{})
	assert.Equal(t, 401, status)

	status, body = f.do("POST", "/auth/customers/login", "", url.Values{"email": {"x@example.com"}, "password": {"password123"}})
	assert.Equal(t, 401, status)
	assert.Equal(t, false, body["success"])
}

func TestBusinessFailuresReturn200(t *testing.T) {
	f := newFixture(t)
	customer := f.registerCustomer("Cy", "cy@example.com")
	sessionID := sid(f.action(customer, "start_chat", nil)["session_id"])

	empty := f.action(customer, "send_message", url.Values{"session_id": {sessionID}, "message": {"   "}})
	assert.Equal(t, false, empty["success"])
	assert.Equal(t, "VALIDATION_FAILED", empty["code"])

	missing := f.action(customer, "get_messages", nil)
	assert.Equal(t, "VALIDATION_FAILED", missing["code"])

	again := f.action(customer, "start_chat", nil)
	assert.Equal(t, false, again["success"])
	assert.Equal(t, "CONFLICT", again["code"])

	forbidden := f.action(customer, "accept_chat", url.Values{"session_id": {sessionID}})
	assert.Equal(t, "FORBIDDEN", forbidden["code"])

	unknown := f.action(customer, "explode", nil)
	assert.Equal(t, "VALIDATION_FAILED", unknown["code"])
}

func TestActionFieldAndGetReads(t *testing.T) {
	f := newFixture(t)
	customer := f.registerCustomer("Di", "di@example.com")

	status, body := f.do("POST", "/api/chat", customer, url.Values{"action": {"start_chat"}})
	require.Equal(t, 200, status)
	sessionID := sid(body["session_id"])

	status, body = f.do("GET", "/api/chat/get_unread_count?session_id="+sessionID, customer, nil)
	require.Equal(t, 200, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(0), body["unread_count"])

	status, body = f.do("GET", "/api/chat?action=get_current_session", customer, nil)
	require.Equal(t, 200, status)
	session := body["session"].(map[string]any)
	assert.Equal(t, "pending", session["status"])

	_, body = f.do("GET", "/api/chat/end_chat?session_id="+sessionID, customer, nil)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "VALIDATION_FAILED", body["code"])
}

func TestJSONBodyIsAccepted(t *testing.T) {
	f := newFixture(t)
	customer := f.registerCustomer("Ed", "ed@example.com")
	sessionID := sid(f.action(customer, "start_chat", nil)["session_id"])

	req := httptest.NewRequest("POST", "/api/chat/send_message", strings.NewReader(`{"session_id":`+sessionID+`,"message":"json hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+customer)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["success"], body)
}

func TestSessionListAndUnreadForAgent(t *testing.T) {
	f := newFixture(t)
	customer := f.registerCustomer("Fi", "fi@example.com")
	agent := f.staffToken("agent@example.com", domain.StaffRoleAgent)

	sessionID := sid(f.action(customer, "start_chat", nil)["session_id"])
	f.action(customer, "send_message", url.Values{"session_id": {sessionID}, "message": {"anyone?"}})

	list := f.action(agent, "get_session_list", url.Values{"status": {"pending"}})
	sessions := list["sessions"].([]any)
	require.Len(t, sessions, 1)
	row := sessions[0].(map[string]any)
	assert.Equal(t, "Fi", row["customer_name"])
	assert.Equal(t, float64(1), row["unread_count"])

	customerList := f.action(customer, "get_session_list", nil)
	assert.Equal(t, "FORBIDDEN", customerList["code"])

	unread := f.action(agent, "get_unread_count", url.Values{"session_id": {sessionID}})
	assert.Equal(t, float64(1), unread["unread_count"])
	f.action(agent, "mark_read", url.Values{"session_id": {sessionID}, "message_id": {sid(lastMessageID(t, f, customer, sessionID))}})
	unread = f.action(agent, "get_unread_count", url.Values{"session_id": {sessionID}})
	assert.Equal(t, float64(0), unread["unread_count"])
}

func lastMessageID(t *testing.T, f *fixture, token, sessionID string) any {
	t.Helper()
	status, body := f.do("GET", "/api/chat/get_messages?session_id="+sessionID, token, nil)
	require.Equal(t, 200, status)
	msgs := body["messages"].([]any)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1].(map[string]any)["id"]
}

func TestCookieAuthentication(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("POST", "/auth/customers/register", strings.NewReader(url.Values{
		"name": {"Gu"}, "email": {"gu@example.com"}, "password": {"password123"},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	var cookie string
	for _, c := range resp.Cookies() {
		if c.Name == "auth_token" {
			cookie = c.Value
		}
	}
	require.NotEmpty(t, cookie)

	req = httptest.NewRequest("POST", "/api/chat/start_chat", nil)
	req.Header.Set("Cookie", "auth_token="+cookie)
	resp, err = f.app.Test(req, -1)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["success"], body)
}

func TestNotificationsFeed(t *testing.T) {
	f := newFixture(t)
	customer := f.registerCustomer("Hal", "hal@example.com")
	agent := f.staffToken("agent@example.com", domain.StaffRoleAgent)
	sessionID := sid(f.action(customer, "start_chat", nil)["session_id"])
	f.action(agent, "accept_chat", url.Values{"session_id": {sessionID}})

	status, body := f.do("GET", "/api/notifications?unread=true", customer, nil)
	require.Equal(t, 200, status)
	feed := body["notifications"].([]any)
	require.Len(t, feed, 1)
	entry := feed[0].(map[string]any)
	assert.Equal(t, "chat_accepted", entry["kind"])

	status, body = f.do("POST", "/api/notifications/"+sid(entry["id"])+"/read", customer, url.Values{})
	require.Equal(t, 200, status)
	assert.Equal(t, true, body["success"])

	_, body = f.do("GET", "/api/notifications?unread=true", customer, nil)
	assert.Empty(t, body["notifications"])

	_, body = f.do("GET", "/api/notifications", agent, nil)
	assert.NotEmpty(t, body["notifications"], "agents see the chat request broadcast")
}

func TestStreamEndsWithClosedStatus(t *testing.T) {
	f := newFixture(t)
	customer := f.registerCustomer("Ivy", "ivy@example.com")
	agent := f.staffToken("agent@example.com", domain.StaffRoleAgent)
	sessionID := sid(f.action(customer, "start_chat", nil)["session_id"])
	f.action(agent, "decline_chat", url.Values{"session_id": {sessionID}})

	req := httptest.NewRequest("GET", "/api/chat/sessions/"+sessionID+"/stream", nil)
	req.Header.Set("Authorization", "Bearer "+customer)
	resp, err := f.app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "event: messages")
	assert.Contains(t, text, `"sender_type":"system"`)
	assert.Contains(t, text, `event: status`)
	assert.Contains(t, text, `"session_status":"closed"`)
}

func TestStreamRejectsForeignSession(t *testing.T) {
	f := newFixture(t)
	owner := f.registerCustomer("Jo", "jo@example.com")
	other := f.registerCustomer("Kit", "kit@example.com")
	sessionID := sid(f.action(owner, "start_chat", nil)["session_id"])

	status, body := f.do("GET", "/api/chat/sessions/"+sessionID+"/stream", other, nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, "FORBIDDEN", body["code"])
}

func TestHealthRoutesAndNotFound(t *testing.T) {
	f := newFixture(t)
	status, body := f.do("GET", "/health/ready", "", nil)
	assert.Equal(t, 200, status)
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "memory", deps["postgres"])

	status, body = f.do("GET", "/nope", "", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "NOT_FOUND", body["code"])

	customer := f.registerCustomer("Lu", "lu@example.com")
	f.action(customer, "start_chat", nil)
	status, body = f.do("GET", "/internal/metrics", "", nil)
	assert.Equal(t, 200, status)
	actions := body["chat_actions"].(map[string]any)
	assert.Equal(t, float64(1), actions["start_chat|ok"])
}
