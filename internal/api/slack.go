package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/slack-go/slack"

	"github.com/railwatch/railwatch/internal/conversation"
)

// asyncHandleTimeout bounds background processing of an acknowledged Slack
// request. Slack itself requires the HTTP response within 3 seconds, so
// anything slow runs after the ack.
const asyncHandleTimeout = 30 * time.Second

// verifySlackRequest checks the request signature and returns the raw body.
// A missing signing secret rejects everything: unverifiable webhooks are
// never processed, in any environment.
func (s *Server) verifySlackRequest(r *http.Request) ([]byte, bool) {
	if s.signingSecret == "" {
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, false
	}
	verifier, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
	if err != nil {
		return nil, false
	}
	if _, err := verifier.Write(body); err != nil {
		return nil, false
	}
	if err := verifier.Ensure(); err != nil {
		return nil, false
	}
	return body, true
}

// handleInteractive receives block-action callbacks. The response goes out
// immediately; the click itself is processed in the background.
func (s *Server) handleInteractive(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifySlackRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	payload := form.Get("payload")
	if payload == "" {
		writeError(w, http.StatusBadRequest, "missing payload")
		return
	}

	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &cb); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if cb.Type != slack.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		writeError(w, http.StatusBadRequest, "unsupported interaction type")
		return
	}

	w.WriteHeader(http.StatusOK)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncHandleTimeout)
		defer cancel()
		if err := s.notifier.HandleInteraction(ctx, &cb); err != nil {
			s.logger.Error("interaction handling failed",
				slog.String("user_id", cb.User.ID), slog.Any("error", err))
		}
	}()
}

// handleSlash receives slash commands and routes the text into the
// conversation manager after acknowledging.
func (s *Server) handleSlash(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifySlackRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	channelID := form.Get("channel_id")
	userID := form.Get("user_id")
	text := form.Get("text")
	if channelID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "missing channel or user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"response_type": "ephemeral",
		"text":          "Processing your request...",
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncHandleTimeout)
		defer cancel()
		key := conversation.SlashKey(channelID, userID)
		if err := s.conversations.HandleMessage(ctx, channelID, "", key, userID, text); err != nil {
			s.logger.Error("slash command handling failed",
				slog.String("user_id", userID), slog.Any("error", err))
		}
	}()
}
