package dispatch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/dispatch"
	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/provider"
	"github.com/notifyhub/reminder-engine/internal/queue"
	"github.com/notifyhub/reminder-engine/internal/ratelimiter"
	"github.com/notifyhub/reminder-engine/internal/repository"
)

// fakePush answers per endpoint id.
type fakePush struct {
	mu      sync.Mutex
	results map[string]provider.PushResult
	errs    map[string]error
	sent    []string
}

func (f *fakePush) Send(_ context.Context, ep *domain.PushEndpoint, _ provider.PushMessage) (provider.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[ep.ID]; err != nil {
		return provider.PushOK, err
	}
	f.sent = append(f.sent, ep.ID)
	return f.results[ep.ID], nil
}

type fakeEmail struct {
	to, subject string
	err         error
}

func (f *fakeEmail) Send(_ context.Context, address, subject, _ string) error {
	f.to, f.subject = address, subject
	return f.err
}

type fakeSMS struct {
	to, text string
}

func (f *fakeSMS) Send(_ context.Context, phone, text string) error {
	f.to, f.text = phone, text
	return nil
}

func dispatchJob(t *testing.T, ch domain.ChannelKind) *queue.Job {
	t.Helper()
	raw, err := domain.EncodePayload(domain.DispatchPayload{
		NotificationID: "n1",
		UserID:         "u1",
		Channel:        ch,
		Type:           domain.TypeMedicationReminder,
		Title:          "Medication reminder: Metformin",
		Body:           "Metformin 500mg is due in 30 minutes, at 2:00 PM.",
		IdempotencyKey: "med-s1-2024-06-01-30",
	})
	require.NoError(t, err)
	return &queue.Job{ID: "dispatch-med-s1-2024-06-01-30-u1-" + string(ch), Category: domain.CategoryDispatch, Payload: raw, Attempt: 1}
}

func seedEndpoints(store *repository.MockStore, ids ...string) {
	for _, id := range ids {
		store.AddPushEndpoint(domain.PushEndpoint{ID: id, UserID: "u1", Token: "tok-" + id})
	}
}

func TestPush_PartialFailureIsolation(t *testing.T) {
	store := repository.NewMockStore()
	seedEndpoints(store, "e1", "e2", "e3")
	push := &fakePush{results: map[string]provider.PushResult{"e2": provider.PushGone}}

	deliveries := map[string]int{}
	d := dispatch.New(store, dispatch.Sinks{Push: push}, ratelimiter.New(100), zap.NewNop(),
		func(_ domain.ChannelKind, result string) { deliveries[result]++ })

	out, err := d.Handle(context.Background(), dispatchJob(t, domain.ChannelPush))
	require.NoError(t, err)
	assert.Equal(t, domain.Success(2), out)

	assert.True(t, store.HasPushEndpoint("e1"))
	assert.False(t, store.HasPushEndpoint("e2"), "gone endpoint is deleted")
	assert.True(t, store.HasPushEndpoint("e3"))
	assert.Equal(t, map[string]int{"sent": 2, "gone": 1}, deliveries)
}

func TestPush_OneErrorDoesNotFailJob(t *testing.T) {
	store := repository.NewMockStore()
	seedEndpoints(store, "e1", "e2")
	push := &fakePush{errs: map[string]error{"e1": domain.Transient("fcm send", errors.New("timeout"))}}
	d := dispatch.New(store, dispatch.Sinks{Push: push}, nil, zap.NewNop(), nil)

	out, err := d.Handle(context.Background(), dispatchJob(t, domain.ChannelPush))
	require.NoError(t, err)
	assert.Equal(t, domain.Success(1), out)
	assert.Equal(t, []string{"e2"}, push.sent)
}

func TestPush_TotalFailureIsTransient(t *testing.T) {
	store := repository.NewMockStore()
	seedEndpoints(store, "e1", "e2")
	unreachable := errors.New("dial tcp: connection refused")
	push := &fakePush{errs: map[string]error{"e1": unreachable, "e2": unreachable}}
	d := dispatch.New(store, dispatch.Sinks{Push: push}, nil, zap.NewNop(), nil)

	_, err := d.Handle(context.Background(), dispatchJob(t, domain.ChannelPush))
	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, domain.Classify(err))
	assert.ErrorIs(t, err, unreachable)
	assert.True(t, store.HasPushEndpoint("e1"))
}

func TestPush_MisroutedProviderKeepsEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	store := repository.NewMockStore()
	seedEndpoints(store, "e1", "e2", "e3")
	fcm := provider.NewFCMPush(srv.URL+"/wrong/path", "secret", time.Second)
	d := dispatch.New(store, dispatch.Sinks{Push: fcm}, nil, zap.NewNop(), nil)

	_, err := d.Handle(context.Background(), dispatchJob(t, domain.ChannelPush))
	require.Error(t, err)
	assert.Equal(t, domain.KindPermanent, domain.Classify(err))
	for _, id := range []string{"e1", "e2", "e3"} {
		assert.True(t, store.HasPushEndpoint(id), id)
	}
}

func TestPush_NoEndpointsOrSink(t *testing.T) {
	store := repository.NewMockStore()
	d := dispatch.New(store, dispatch.Sinks{Push: &fakePush{}}, nil, zap.NewNop(), nil)
	out, err := d.Handle(context.Background(), dispatchJob(t, domain.ChannelPush))
	require.NoError(t, err)
	assert.Equal(t, domain.Skipped(domain.ReasonNoEndpoints), out)

	d = dispatch.New(store, dispatch.Sinks{}, nil, zap.NewNop(), nil)
	out, err = d.Handle(context.Background(), dispatchJob(t, domain.ChannelPush))
	require.NoError(t, err)
	assert.Equal(t, domain.Skipped(domain.ReasonSinkDisabled), out)
}

func TestEmail(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMockStore()
	email := &fakeEmail{}
	d := dispatch.New(store, dispatch.Sinks{Email: email}, nil, zap.NewNop(), nil)

	out, err := d.Handle(ctx, dispatchJob(t, domain.ChannelEmail))
	require.NoError(t, err)
	assert.Equal(t, domain.Skipped(domain.ReasonNoAddress), out, "unknown recipient")

	store.AddRecipient("f1", domain.Recipient{UserID: "u1", Email: "ana@example.com"})
	out, err = d.Handle(ctx, dispatchJob(t, domain.ChannelEmail))
	require.NoError(t, err)
	assert.Equal(t, domain.Success(1), out)
	assert.Equal(t, "ana@example.com", email.to)
	assert.Equal(t, "Medication reminder: Metformin", email.subject)

	email.err = domain.Permanent("ses send", errors.New("MessageRejected: address blacklisted"))
	_, err = d.Handle(ctx, dispatchJob(t, domain.ChannelEmail))
	require.Error(t, err)
	assert.Equal(t, domain.KindPermanent, domain.Classify(err))
}

func TestSMS_RequiresVerifiedPhone(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMockStore()
	store.AddRecipient("f1", domain.Recipient{UserID: "u1", Phone: "+15550100"})
	sms := &fakeSMS{}
	d := dispatch.New(store, dispatch.Sinks{SMS: sms}, nil, zap.NewNop(), nil)

	out, err := d.Handle(ctx, dispatchJob(t, domain.ChannelSMS))
	require.NoError(t, err)
	assert.Equal(t, domain.Skipped(domain.ReasonPhoneUnverified), out)
	assert.Empty(t, sms.to)

	store.AddRecipient("f1", domain.Recipient{UserID: "u1", Phone: "+15550100", PhoneVerified: true})
	out, err = d.Handle(ctx, dispatchJob(t, domain.ChannelSMS))
	require.NoError(t, err)
	assert.Equal(t, domain.Success(1), out)
	assert.Equal(t, "+15550100", sms.to)
	assert.Contains(t, sms.text, "Metformin 500mg")

	d = dispatch.New(store, dispatch.Sinks{}, nil, zap.NewNop(), nil)
	out, err = d.Handle(ctx, dispatchJob(t, domain.ChannelSMS))
	require.NoError(t, err)
	assert.Equal(t, domain.Skipped(domain.ReasonSinkDisabled), out)
}

func TestInAppAndMalformed(t *testing.T) {
	d := dispatch.New(repository.NewMockStore(), dispatch.Sinks{}, nil, zap.NewNop(), nil)

	out, err := d.Handle(context.Background(), dispatchJob(t, domain.ChannelInApp))
	require.NoError(t, err)
	assert.False(t, out.IsSkipped())

	_, err = d.Handle(context.Background(), &queue.Job{
		ID: "x", Category: domain.CategoryDispatch, Payload: []byte(`{"channel":"FAX"}`), Attempt: 1,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.Classify(err))
}
