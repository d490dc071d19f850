package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/provider"
)

func TestFCMPush_Send(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		want     provider.PushResult
		wantKind *domain.Kind
	}{
		{name: "delivered", status: 200, body: `{"success":1,"failure":0,"results":[{"message_id":"m1"}]}`, want: provider.PushOK},
		{name: "not registered", status: 200, body: `{"success":0,"failure":1,"results":[{"error":"NotRegistered"}]}`, want: provider.PushGone},
		{name: "invalid registration", status: 200, body: `{"success":0,"failure":1,"results":[{"error":"InvalidRegistration"}]}`, want: provider.PushGone},
		{name: "gone status", status: 410, want: provider.PushOK, wantKind: kind(domain.KindPermanent)},
		{name: "not found status", status: 404, want: provider.PushOK, wantKind: kind(domain.KindPermanent)},
		{name: "unavailable", status: 200, body: `{"success":0,"failure":1,"results":[{"error":"Unavailable"}]}`, want: provider.PushOK, wantKind: kind(domain.KindTransient)},
		{name: "server error", status: 503, want: provider.PushOK, wantKind: kind(domain.KindTransient)},
		{name: "throttled", status: 429, want: provider.PushOK, wantKind: kind(domain.KindTransient)},
		{name: "unauthorized", status: 401, want: provider.PushOK, wantKind: kind(domain.KindPermanent)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "key=secret", r.Header.Get("Authorization"))
				var req map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "tok-1", req["to"])
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			p := provider.NewFCMPush(srv.URL, "secret", time.Second)
			res, err := p.Send(context.Background(), &domain.PushEndpoint{ID: "e1", Token: "tok-1"}, provider.PushMessage{Title: "t", Body: "b"})
			assert.Equal(t, tc.want, res)
			if tc.wantKind == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, *tc.wantKind, domain.Classify(err))
		})
	}
}

func TestFCMPush_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	p := provider.NewFCMPush(srv.URL, "secret", time.Second)
	_, err := p.Send(context.Background(), &domain.PushEndpoint{Token: "tok"}, provider.PushMessage{})
	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, domain.Classify(err))
}

func TestTwilioSMS_Send(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "tok", pass)
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := provider.NewTwilioSMS(srv.URL, "AC1", "tok", "+15550000000", time.Second)
	require.NoError(t, s.Send(context.Background(), "+15551234567", "Take your medication"))
	assert.Equal(t, "+15551234567", got.Get("To"))
	assert.Equal(t, "+15550000000", got.Get("From"))
	assert.Equal(t, "Take your medication", got.Get("Body"))

	err := s.Send(context.Background(), " ", "x")
	assert.Equal(t, domain.KindValidation, domain.Classify(err))
}

func TestTwilioSMS_RejectedNumberIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := provider.NewTwilioSMS(srv.URL, "AC1", "tok", "+1", time.Second)
	err := s.Send(context.Background(), "+15551234567", "x")
	assert.Equal(t, domain.KindPermanent, domain.Classify(err))
}

func TestWebhookAlert_Post(t *testing.T) {
	var got provider.AlertMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := provider.NewWebhookAlert(srv.URL, time.Second)
	msg := provider.AlertMessage{Category: "dispatch", JobID: "dispatch-x", Error: "boom", ErrorKind: "transient", Attempts: 5}
	require.NoError(t, a.Post(context.Background(), msg))
	assert.Equal(t, msg, got)
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{}, nil
}

func TestSESEmail_Send(t *testing.T) {
	client := &fakeSES{}
	s := provider.NewSESEmailWithClient(client, "reminders@example.com", "")

	require.NoError(t, s.Send(context.Background(), "ana@example.com", "Refill needed", "Only 3 doses left"))
	require.NotNil(t, client.input)
	assert.Equal(t, []string{"ana@example.com"}, client.input.Destination.ToAddresses)
	assert.Equal(t, "reminders@example.com", *client.input.Source)
	assert.Equal(t, "Refill needed", *client.input.Message.Subject.Data)
	assert.Nil(t, client.input.ConfigurationSetName)
}

func TestSESEmail_ErrorKinds(t *testing.T) {
	rejected := &fakeSES{err: &types.MessageRejected{Message: strPtr("address blacklisted")}}
	err := provider.NewSESEmailWithClient(rejected, "from@example.com", "").Send(context.Background(), "x@example.com", "s", "b")
	assert.Equal(t, domain.KindPermanent, domain.Classify(err))

	flaky := &fakeSES{err: errors.New("dial tcp: i/o timeout")}
	err = provider.NewSESEmailWithClient(flaky, "from@example.com", "").Send(context.Background(), "x@example.com", "s", "b")
	assert.Equal(t, domain.KindTransient, domain.Classify(err))
}

func kind(k domain.Kind) *domain.Kind { return &k }

func strPtr(s string) *string { return &s }
