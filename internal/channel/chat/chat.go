// Package chat is the chat-bot channel adapter. The bot gateway POSTs
// incoming messages to a small webhook endpoint here; replies go back out as
// HTTP POSTs to the gateway's send endpoint. Which chat network sits behind
// the gateway is not the engine's concern.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hermesproj/hermes/internal/channel"
	"github.com/hermesproj/hermes/internal/task"
)

// inboundMessage is the webhook payload from the bot gateway
type inboundMessage struct {
	ChatID string `json:"chat_id" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

// outboundMessage is what Reply POSTs to the gateway's send endpoint
type outboundMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Adapter serves the webhook and sends replies through the bot gateway
type Adapter struct {
	listenAddr string
	sendURL    string
	client     *http.Client
	logger     *slog.Logger
	requests   chan task.IncomingRequest
	server     *http.Server
}

// New creates a chat adapter listening on listenAddr and delivering replies
// to sendURL
func New(listenAddr, sendURL string, logger *slog.Logger) *Adapter {
	return &Adapter{
		listenAddr: listenAddr,
		sendURL:    sendURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		requests:   make(chan task.IncomingRequest, 16),
	}
}

// Channel identifies this adapter as the chat transport
func (a *Adapter) Channel() task.Channel {
	return task.ChannelChat
}

// Requests returns the stream of normalized incoming requests
func (a *Adapter) Requests() <-chan task.IncomingRequest {
	return a.requests
}

// Start launches the webhook server; it shuts down when ctx is cancelled
func (a *Adapter) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/v1/messages", a.handleMessage(ctx))

	a.server = &http.Server{
		Addr:    a.listenAddr,
		Handler: router,
	}

	go func() {
		a.logger.Info("chat webhook listening", "addr", a.listenAddr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("chat webhook server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
		close(a.requests)
	}()

	return nil
}

// Handler exposes the webhook router for tests
func (a *Adapter) Handler(ctx context.Context) http.Handler {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/messages", a.handleMessage(ctx))
	return router
}

func (a *Adapter) handleMessage(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg inboundMessage
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		text := strings.TrimSpace(msg.Text)
		if text == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty text"})
			return
		}

		req := task.IncomingRequest{
			SourceChannel: task.ChannelChat,
			ReplyTarget:   msg.ChatID,
			RawText:       text,
		}

		select {
		case a.requests <- req:
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		case <-ctx.Done():
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		}
	}
}

// Reply posts the result message back through the bot gateway
func (a *Adapter) Reply(ctx context.Context, target, content string) error {
	payload, err := json.Marshal(outboundMessage{ChatID: target, Text: content})
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build reply request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return &channel.TransportError{Channel: task.ChannelChat, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &channel.TransportError{
			Channel: task.ChannelChat,
			Err:     fmt.Errorf("send endpoint returned %s", resp.Status),
		}
	}
	return nil
}
