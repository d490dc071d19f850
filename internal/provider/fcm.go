package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// FCMPush delivers push notifications through the Firebase Cloud Messaging
// HTTP API using server key authentication.
type FCMPush struct {
	endpoint   string
	serverKey  string
	httpClient *http.Client
}

func NewFCMPush(endpoint, serverKey string, timeout time.Duration) *FCMPush {
	if endpoint == "" {
		endpoint = "https://fcm.googleapis.com/fcm/send"
	}
	return &FCMPush{
		endpoint:   endpoint,
		serverKey:  serverKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type fcmRequest struct {
	To           string            `json:"to"`
	Priority     string            `json:"priority"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Errors that mean the token will never work again.
var fcmGoneErrors = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MismatchSenderId":    true,
}

// Errors worth retrying.
var fcmTransientErrors = map[string]bool{
	"Unavailable":               true,
	"InternalServerError":       true,
	"DeviceMessageRateExceeded": true,
}

func (p *FCMPush) Send(ctx context.Context, endpoint *domain.PushEndpoint, msg PushMessage) (PushResult, error) {
	const op = "fcm send"
	if strings.TrimSpace(endpoint.Token) == "" {
		return PushGone, nil
	}

	body, err := json.Marshal(fcmRequest{
		To:           endpoint.Token,
		Priority:     "high",
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	if err != nil {
		return PushOK, domain.Invalid(op, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return PushOK, domain.Permanent(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+p.serverKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return PushOK, requestError(op, err)
	}
	defer resp.Body.Close()

	// Every token is posted to the same URL, so an HTTP-level 404 or 410
	// says nothing about this endpoint. Only per-token result codes mark it gone.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return PushOK, statusError(op, resp.StatusCode)
	}

	var out fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PushOK, domain.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	if out.Failure == 0 || len(out.Results) == 0 {
		return PushOK, nil
	}

	code := out.Results[0].Error
	switch {
	case fcmGoneErrors[code]:
		return PushGone, nil
	case fcmTransientErrors[code]:
		return PushOK, domain.Transient(op, fmt.Errorf("fcm error %s", code))
	case code == "":
		return PushOK, nil
	}
	return PushOK, domain.Permanent(op, fmt.Errorf("fcm error %s", code))
}

// compile-time check that FCMPush implements PushSink
var _ PushSink = (*FCMPush)(nil)
