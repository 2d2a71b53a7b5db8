package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermesproj/hermes/internal/channel"
	"github.com/hermesproj/hermes/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postMessage(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChannel(t *testing.T) {
	a := New("127.0.0.1:0", "http://gateway/send", testLogger())
	assert.Equal(t, task.ChannelChat, a.Channel())
}

func TestWebhookAcceptsMessage(t *testing.T) {
	a := New("127.0.0.1:0", "http://gateway/send", testLogger())
	handler := a.Handler(context.Background())

	rec := postMessage(t, handler, `{"chat_id": "room-7", "text": "hermes, run the tests"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case req := <-a.Requests():
		assert.Equal(t, task.ChannelChat, req.SourceChannel)
		assert.Equal(t, "room-7", req.ReplyTarget)
		assert.Equal(t, "hermes, run the tests", req.RawText)
	case <-time.After(time.Second):
		t.Fatal("no request emitted")
	}
}

func TestWebhookRejectsMissingFields(t *testing.T) {
	a := New("127.0.0.1:0", "http://gateway/send", testLogger())
	handler := a.Handler(context.Background())

	tests := []string{
		`{}`,
		`{"chat_id": "room-7"}`,
		`{"text": "no chat id"}`,
		`not json at all`,
	}
	for _, body := range tests {
		rec := postMessage(t, handler, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
	}
}

func TestWebhookRejectsBlankText(t *testing.T) {
	a := New("127.0.0.1:0", "http://gateway/send", testLogger())
	handler := a.Handler(context.Background())

	rec := postMessage(t, handler, `{"chat_id": "room-7", "text": "   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplyPostsToGateway(t *testing.T) {
	var got outboundMessage
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	a := New("127.0.0.1:0", gateway.URL, testLogger())
	require.NoError(t, a.Reply(context.Background(), "room-7", "Task completed."))

	assert.Equal(t, "room-7", got.ChatID)
	assert.Equal(t, "Task completed.", got.Text)
}

func TestReplyGatewayErrorIsTransportError(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer gateway.Close()

	a := New("127.0.0.1:0", gateway.URL, testLogger())
	err := a.Reply(context.Background(), "room-7", "body")
	require.Error(t, err)

	var transportErr *channel.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, task.ChannelChat, transportErr.Channel)
}

func TestReplyConnectionRefusedIsTransportError(t *testing.T) {
	a := New("127.0.0.1:0", "http://127.0.0.1:1/send", testLogger())

	err := a.Reply(context.Background(), "room-7", "body")
	require.Error(t, err)

	var transportErr *channel.TransportError
	assert.True(t, errors.As(err, &transportErr))
}
