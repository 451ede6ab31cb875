package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

// Failover selects between a delivery's primary provider and the channel
// fallback. Each provider sits behind a circuit breaker fed only by
// infrastructural send errors; when the primary's breaker is open the next
// attempt goes to the fallback.
type Failover struct {
	providers map[string]domain.NotificationProvider
	fallbacks map[domain.NotificationChannel]string
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewFailover constructs the failover selector over the registered providers
// and the per-channel fallback names.
func NewFailover(providers map[string]domain.NotificationProvider, fallbacks map[domain.NotificationChannel]string) *Failover {
	f := &Failover{
		providers: providers,
		fallbacks: fallbacks,
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(providers)),
	}
	for name := range providers {
		name := name
		f.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "notify-" + name,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(n string, from, to gobreaker.State) {
				slog.Warn("notification provider breaker state change",
					slog.String("breaker", n),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}
	return f
}

// Pick returns the provider to use for this attempt: the requested primary,
// or the channel fallback when the primary's breaker is open or unknown.
func (f *Failover) Pick(primary string, channel domain.NotificationChannel) (domain.NotificationProvider, error) {
	if p, ok := f.providers[primary]; ok {
		if br := f.breakers[primary]; br == nil || br.State() != gobreaker.StateOpen {
			return p, nil
		}
	}
	fallback := f.fallbacks[channel]
	if p, ok := f.providers[fallback]; ok && fallback != "" {
		return p, nil
	}
	return nil, fmt.Errorf("op=notify.pick: no provider available for channel %s: %w", channel, domain.ErrInternal)
}

// Send routes the call through the provider's breaker so that
// infrastructural failures trip failover; classified SendResults pass
// through untouched.
func (f *Failover) Send(ctx domain.Context, p domain.NotificationProvider, channel domain.NotificationChannel, recipient, subject, body string, meta map[string]any) (domain.SendResult, error) {
	br := f.breakers[p.Name()]
	if br == nil {
		return p.Send(ctx, channel, recipient, subject, body, meta)
	}
	res, err := br.Execute(func() (any, error) {
		return p.Send(ctx, channel, recipient, subject, body, meta)
	})
	if err != nil {
		return domain.SendResult{}, err
	}
	return res.(domain.SendResult), nil
}
