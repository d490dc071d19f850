package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// TwilioSMS sends text messages through Twilio's REST API.
type TwilioSMS struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	httpClient *http.Client
}

func NewTwilioSMS(baseURL, accountSID, authToken, from string, timeout time.Duration) *TwilioSMS {
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &TwilioSMS{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *TwilioSMS) Send(ctx context.Context, phone, text string) error {
	const op = "twilio send"
	to := strings.TrimSpace(phone)
	if to == "" {
		return domain.Invalid(op, errors.New("destination missing"))
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.from)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Permanent(op, fmt.Errorf("create request: %w", err))
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return requestError(op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode)
	}
	return nil
}

var _ SMSSink = (*TwilioSMS)(nil)
