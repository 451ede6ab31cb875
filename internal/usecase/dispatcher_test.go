package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezgahcloud/jobcore/internal/adapter/notify"
	"github.com/tezgahcloud/jobcore/internal/domain"
	"github.com/tezgahcloud/jobcore/internal/usecase"
)

// scriptedProvider returns queued results in order, then repeats the last.
type scriptedProvider struct {
	name    string
	mu      sync.Mutex
	results []scriptedResult
	calls   int
}

type scriptedResult struct {
	res domain.SendResult
	err error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Send(_ domain.Context, _ domain.NotificationChannel, _, _, _ string, _ map[string]any) (domain.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	p.calls++
	r := p.results[idx]
	return r.res, r.err
}

func queuedDelivery(t *testing.T, repo *fakeNotificationRepo, channel domain.NotificationChannel, primary string) domain.NotificationDelivery {
	t.Helper()
	licID := int64(42)
	days := 7
	id, inserted, err := repo.InsertDelivery(context.Background(), domain.NotificationDelivery{
		UserID: 7, LicenseID: &licID, DaysOut: &days, TemplateID: 1,
		Channel: channel, Recipient: "ayse@example.com",
		Subject: "Lisans hatırlatması", Body: "7 gün kaldı",
		PrimaryProvider: primary, MaxRetries: 3,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	d, err := repo.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	return d
}

func newDispatcher(repo *fakeNotificationRepo, providers map[string]domain.NotificationProvider) *usecase.DispatcherService {
	failover := notify.NewFailover(providers, map[domain.NotificationChannel]string{
		domain.ChannelEmail: "ses",
		domain.ChannelSMS:   "netgsm",
	})
	return usecase.NewDispatcherService(repo, failover, time.Second)
}

func TestDispatcher_SuccessMarksSent(t *testing.T) {
	t.Parallel()
	repo := newFakeNotificationRepo()
	primary := &scriptedProvider{name: "postmark", results: []scriptedResult{
		{res: domain.SendResult{Kind: domain.SendSuccess, MessageID: "msg-1"}},
	}}
	svc := newDispatcher(repo, map[string]domain.NotificationProvider{"postmark": primary})
	d := queuedDelivery(t, repo, domain.ChannelEmail, "postmark")

	n, err := svc.DispatchDue(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationSent, got.Status)
	require.NotNil(t, got.ActualProvider)
	assert.Equal(t, "postmark", *got.ActualProvider)
	require.NotNil(t, got.ProviderMessageID)
	assert.Equal(t, "msg-1", *got.ProviderMessageID)
	require.Len(t, repo.attempts[d.ID], 1)
	assert.Equal(t, 1, repo.attempts[d.ID][0].AttemptNumber)
}

func TestDispatcher_TransientFailureReschedulesWithBackoff(t *testing.T) {
	t.Parallel()
	repo := newFakeNotificationRepo()
	primary := &scriptedProvider{name: "postmark", results: []scriptedResult{
		{res: domain.SendResult{Kind: domain.SendTransientFail, Code: "throttled"}},
	}}
	svc := newDispatcher(repo, map[string]domain.NotificationProvider{"postmark": primary})
	d := queuedDelivery(t, repo, domain.ChannelEmail, "postmark")

	before := time.Now().UTC()
	_, err := svc.DispatchDue(context.Background(), before, 10)
	require.NoError(t, err)

	got, err := repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	// First retry delay: 2s ± 10% jitter.
	delay := got.ScheduledAt.Sub(before)
	assert.GreaterOrEqual(t, delay, 1700*time.Millisecond)
	assert.LessOrEqual(t, delay, 2400*time.Millisecond)
}

func TestDispatcher_PermanentBounceSkipsRetries(t *testing.T) {
	t.Parallel()
	repo := newFakeNotificationRepo()
	primary := &scriptedProvider{name: "postmark", results: []scriptedResult{
		{res: domain.SendResult{Kind: domain.SendPermanentFail, Code: "bounce", Message: "mailbox gone"}},
	}}
	svc := newDispatcher(repo, map[string]domain.NotificationProvider{"postmark": primary})
	d := queuedDelivery(t, repo, domain.ChannelEmail, "postmark")

	_, err := svc.DispatchDue(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)

	got, err := repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationBounced, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestDispatcher_ExhaustedRetriesFail(t *testing.T) {
	t.Parallel()
	repo := newFakeNotificationRepo()
	primary := &scriptedProvider{name: "postmark", results: []scriptedResult{
		{res: domain.SendResult{Kind: domain.SendTransientFail, Code: "throttled"}},
	}}
	svc := newDispatcher(repo, map[string]domain.NotificationProvider{"postmark": primary})
	d := queuedDelivery(t, repo, domain.ChannelEmail, "postmark")

	// Exercise the retry ladder by re-dispatching at the scheduled times.
	for i := 0; i < 4; i++ {
		got, err := repo.GetDelivery(context.Background(), d.ID)
		require.NoError(t, err)
		_, err = svc.DispatchDue(context.Background(), got.ScheduledAt.Add(time.Minute), 10)
		require.NoError(t, err)
	}

	got, err := repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationFailed, got.Status)
	assert.Len(t, repo.attempts[d.ID], 4, "initial try plus max_retries attempts")
	// retry_count = count(attempts) - 1
	assert.Equal(t, len(repo.attempts[d.ID])-1, got.RetryCount)
}

func TestDispatcher_InfraOutageSwitchesToFallback(t *testing.T) {
	t.Parallel()
	repo := newFakeNotificationRepo()
	down := &scriptedProvider{name: "postmark", results: []scriptedResult{
		{err: errors.New("connect: connection refused")},
	}}
	fallback := &scriptedProvider{name: "ses", results: []scriptedResult{
		{res: domain.SendResult{Kind: domain.SendSuccess, MessageID: "msg-f"}},
	}}
	svc := newDispatcher(repo, map[string]domain.NotificationProvider{
		"postmark": down,
		"ses":      fallback,
	})
	d := queuedDelivery(t, repo, domain.ChannelEmail, "postmark")

	// Three consecutive infra failures trip the primary's breaker.
	for i := 0; i < 3; i++ {
		got, err := repo.GetDelivery(context.Background(), d.ID)
		require.NoError(t, err)
		_, err = svc.DispatchDue(context.Background(), got.ScheduledAt.Add(time.Minute), 10)
		require.NoError(t, err)
	}

	got, err := repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.NotificationQueued, got.Status)
	_, err = svc.DispatchDue(context.Background(), got.ScheduledAt.Add(time.Minute), 10)
	require.NoError(t, err)

	got, err = repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationSent, got.Status)
	require.NotNil(t, got.ActualProvider)
	assert.Equal(t, "ses", *got.ActualProvider)
}
