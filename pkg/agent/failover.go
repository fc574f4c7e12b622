package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/bamboo/internal/observability"
	"github.com/harun/bamboo/internal/tracing"
	"github.com/rs/zerolog"
)

// DefaultCooldown is multiplied by a profile's consecutive failure count.
const DefaultCooldown = 60 * time.Second

type failoverMember struct {
	id            string
	priority      int
	provider      Provider
	failures      int
	cooldownUntil time.Time
}

// FailoverProvider tries members in priority order, skipping members in
// cooldown. A member is abandoned for the next one only when it fails with a
// retryable error before producing any output.
type FailoverProvider struct {
	mu       sync.Mutex
	members  []*failoverMember
	cooldown time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewFailoverProvider builds one provider per profile.
func NewFailoverProvider(profiles []Profile, cooldown time.Duration, logger zerolog.Logger) (*FailoverProvider, error) {
	if len(profiles) == 0 {
		return nil, errors.New("at least one provider profile is required")
	}

	sorted := make([]Profile, len(profiles))
	copy(sorted, profiles)
	sortProfilesByPriority(sorted)

	members := make([]*failoverMember, 0, len(sorted))
	for _, profile := range sorted {
		provider, err := NewProvider(profile)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", profile.ID, err)
		}
		members = append(members, &failoverMember{id: profile.ID, priority: profile.Priority, provider: provider})
	}
	return newFailoverProvider(members, cooldown, logger), nil
}

// WithFailover falls back to the given providers, in order, when the wrapped
// provider fails with a retryable error.
func WithFailover(logger zerolog.Logger, fallbacks ...Provider) Middleware {
	return func(primary Provider) Provider {
		members := []*failoverMember{{id: primary.Name(), provider: primary}}
		for i, p := range fallbacks {
			members = append(members, &failoverMember{id: fmt.Sprintf("%s-%d", p.Name(), i+1), priority: i + 1, provider: p})
		}
		return newFailoverProvider(members, DefaultCooldown, logger)
	}
}

func newFailoverProvider(members []*failoverMember, cooldown time.Duration, logger zerolog.Logger) *FailoverProvider {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &FailoverProvider{
		members:  members,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "provider_failover").Logger(),
		now:      time.Now,
	}
}

// Name returns the name of the highest-priority member
func (f *FailoverProvider) Name() string {
	return f.members[0].provider.Name()
}

// ChatStream streams from the first healthy member.
func (f *FailoverProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)
	var lastErr error

	for _, m := range f.candidates() {
		logger.Debug().Str("profileId", m.id).Msg("Trying provider profile")

		in, err := m.provider.ChatStream(ctx, req)
		if err == nil {
			var first StreamChunk
			var ok bool
			first, ok, err = peek(ctx, in)
			if err == nil {
				f.markSuccess(m)
				return prepend(ctx, first, ok, in), nil
			}
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		logger.Warn().Str("profileId", m.id).Err(err).Msg("Provider profile failed")
		f.markFailure(m)

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, &ProviderError{Provider: f.Name(), Kind: ProviderErrorRateLimit, Err: errors.New("all provider profiles are cooling down")}
	}
	logger.Error().Err(lastErr).Msg("All provider profiles failed")
	return nil, fmt.Errorf("all provider profiles failed: %w", lastErr)
}

// candidates returns members not in cooldown, in priority order.
func (f *FailoverProvider) candidates() []*failoverMember {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	out := make([]*failoverMember, 0, len(f.members))
	for _, m := range f.members {
		if now.Before(m.cooldownUntil) {
			observability.SetProviderCooldown(m.id, true)
			continue
		}
		observability.SetProviderCooldown(m.id, false)
		out = append(out, m)
	}
	return out
}

func (f *FailoverProvider) markSuccess(m *failoverMember) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.failures = 0
	m.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(m.id, false)
}

func (f *FailoverProvider) markFailure(m *failoverMember) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.failures++
	m.cooldownUntil = f.now().Add(time.Duration(m.failures) * f.cooldown)
	observability.SetProviderCooldown(m.id, true)
}

// peek reads the first chunk. A chunk carrying Err is returned as an error.
func peek(ctx context.Context, in <-chan StreamChunk) (StreamChunk, bool, error) {
	select {
	case <-ctx.Done():
		return StreamChunk{}, false, ctx.Err()
	case chunk, ok := <-in:
		if !ok {
			return StreamChunk{}, false, nil
		}
		if chunk.Err != nil {
			return StreamChunk{}, false, chunk.Err
		}
		return chunk, true, nil
	}
}

func prepend(ctx context.Context, first StreamChunk, ok bool, in <-chan StreamChunk) <-chan StreamChunk {
	out := make(chan StreamChunk, cap(in)+1)
	if !ok {
		close(out)
		return out
	}
	out <- first
	go func() {
		defer close(out)
		for chunk := range in {
			if !send(ctx, out, chunk) {
				return
			}
		}
	}()
	return out
}

func sortProfilesByPriority(profiles []Profile) {
	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].Priority < profiles[j].Priority })
}
