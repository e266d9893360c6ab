package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

const testToken = shared.BotToken("123456789:ABCdefGHIjklMNOpqrSTUvwxYZ")

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL
	cfg.RetryAttempts = 1
	cfg.RetryDelay = time.Millisecond
	return NewClient(cfg)
}

func okResponse(result any) []byte {
	raw, _ := json.Marshal(result)
	body, _ := json.Marshal(map[string]json.RawMessage{
		"ok":     json.RawMessage("true"),
		"result": raw,
	})
	return body
}

func TestSendMessage_RoutesByToken(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write(okResponse(Message{MessageID: 7}))
	})

	msg, err := client.SendText(context.Background(), testToken, 100, "hello")
	require.NoError(t, err)

	assert.Equal(t, int64(7), msg.MessageID)
	// The token selects which bot the call acts as.
	assert.Equal(t, "/bot"+testToken.String()+"/sendMessage", gotPath)
	assert.Equal(t, "hello", gotBody["text"])
	assert.Equal(t, float64(100), gotBody["chat_id"])
}

func TestSendMessage_APIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	})

	_, err := client.SendText(context.Background(), testToken, 100, "hi")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Code)
	assert.False(t, apiErr.IsUnauthorized())
}

func TestGetMe_Unauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	})

	_, err := client.GetMe(context.Background(), testToken)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsUnauthorized())
}

func TestCallAPI_RetriesServerErrors(t *testing.T) {
	var calls int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"ok":false,"error_code":502,"description":"Bad Gateway"}`))
			return
		}
		w.Write(okResponse(true))
	})

	err := client.SetWebhook(context.Background(), testToken, "https://factory.example/hook")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCallAPI_DoesNotRetryClientErrors(t *testing.T) {
	var calls int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	})

	_, err := client.SendText(context.Background(), testToken, 100, "hi")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestInstallWebhook_PermanentFailureAbortsEarly(t *testing.T) {
	var calls int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	})

	err := client.InstallWebhook(context.Background(), testToken, "https://factory.example/hook")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestKickChatMember_BanThenUnban(t *testing.T) {
	var methods []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.URL.Path)
		w.Write(okResponse(true))
	})

	err := client.KickChatMember(context.Background(), testToken, -100, 55)
	require.NoError(t, err)

	require.Len(t, methods, 2)
	assert.Contains(t, methods[0], "banChatMember")
	assert.Contains(t, methods[1], "unbanChatMember")
}

func TestIsChatAdmin(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(okResponse(ChatMember{Status: "creator", User: &User{ID: 55}}))
	})

	admin, err := client.IsChatAdmin(context.Background(), testToken, -100, 55)
	require.NoError(t, err)
	assert.True(t, admin)
}

func TestExtractCommand(t *testing.T) {
	msg := &Message{
		Text: "/create_bot now",
		Entities: []MessageEntity{
			{Type: "bot_command", Offset: 0, Length: 11},
		},
	}
	assert.Equal(t, "create_bot", ExtractCommand(msg))
	assert.Equal(t, "now", ExtractCommandArgs(msg))

	// With a bot mention.
	msg = &Message{
		Text: "/stats@factory_bot",
		Entities: []MessageEntity{
			{Type: "bot_command", Offset: 0, Length: 18},
		},
	}
	assert.Equal(t, "stats", ExtractCommand(msg))

	// Entity-less fallback.
	assert.Equal(t, "cancel", ExtractCommand(&Message{Text: "/cancel"}))
	assert.Equal(t, "", ExtractCommand(&Message{Text: "plain text"}))
}

func TestBoundActions_ScopedToToken(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write(okResponse(Message{MessageID: 1}))
	})

	actions := client.Bind(testToken)
	require.NoError(t, actions.SendMessage(context.Background(), 100, "hi"))
	assert.Contains(t, gotPath, "/bot"+testToken.String()+"/")
}
