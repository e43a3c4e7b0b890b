package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHandler(t *testing.T) {
	IncSocketEvent("connect")
	IncMessage("in", "duplicate")
	SetSocketConnected(true)
	SetOnlineUsers(3)
	SetUnread(2)

	body := scrape(t)
	assert.Contains(t, body, `chat_socket_events_total{event="connect"}`)
	assert.Contains(t, body, `chat_messages_total{direction="in",result="duplicate"}`)
	assert.Contains(t, body, "chat_socket_connected 1")
	assert.Contains(t, body, "chat_online_users 3")
	assert.Contains(t, body, "chat_unread_messages 2")

	SetSocketConnected(false)
	assert.Contains(t, scrape(t), "chat_socket_connected 0")
}
