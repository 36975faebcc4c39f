package middleware

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"

	"github.com/tailorworks/tailor/runtime/pipeline/content"
)

type scriptedService struct {
	err   error
	calls int
}

func (s *scriptedService) PlanDraft(context.Context, content.PlanRequest) (*content.DraftPlan, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &content.DraftPlan{Summary: "s"}, nil
}

func (s *scriptedService) RenderDraft(context.Context, content.RenderRequest) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "draft", nil
}

func (s *scriptedService) Critique(context.Context, content.CritiqueRequest) (*content.CritiqueResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &content.CritiqueResult{}, nil
}

func (s *scriptedService) ReviewCompliance(context.Context, content.ComplianceRequest) (*content.ComplianceResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &content.ComplianceResult{Status: content.ComplianceApproved}, nil
}

func (l *AdaptiveRateLimiter) tpm() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func TestBackoffHalvesAndClamps(t *testing.T) {
	l := newAdaptiveRateLimiter(1000, 1000)
	require.Equal(t, 1000.0, l.tpm())

	l.backoff()
	assert.Equal(t, 500.0, l.tpm())
	l.backoff()
	assert.Equal(t, 250.0, l.tpm())

	// Repeated backoffs bottom out at 10% of the initial budget.
	for i := 0; i < 20; i++ {
		l.backoff()
	}
	assert.Equal(t, 100.0, l.tpm())
}

func TestProbeRecoversTowardMax(t *testing.T) {
	l := newAdaptiveRateLimiter(1000, 2000)
	l.backoff()
	require.Equal(t, 500.0, l.tpm())

	l.probe()
	assert.Equal(t, 550.0, l.tpm())

	for i := 0; i < 100; i++ {
		l.probe()
	}
	assert.Equal(t, 2000.0, l.tpm())
}

func TestMiddlewareDelegatesAndObserves(t *testing.T) {
	l := newAdaptiveRateLimiter(60000, 60000)
	svc := &scriptedService{}
	wrapped := l.Middleware()(svc)

	_, err := wrapped.PlanDraft(context.Background(), content.PlanRequest{
		Profile: content.Profile{Name: "Jordan", Skills: []string{"Go"}},
	})
	require.NoError(t, err)
	_, err = wrapped.RenderDraft(context.Background(), content.RenderRequest{})
	require.NoError(t, err)
	_, err = wrapped.Critique(context.Background(), content.CritiqueRequest{Draft: "d"})
	require.NoError(t, err)
	_, err = wrapped.ReviewCompliance(context.Background(), content.ComplianceRequest{Draft: "d"})
	require.NoError(t, err)
	assert.Equal(t, 4, svc.calls)

	// Max budget reached: successes do not grow it further.
	assert.Equal(t, 60000.0, l.tpm())

	// A provider rate limit halves the budget.
	svc.err = fmt.Errorf("wrapped: %w", content.ErrRateLimited)
	_, err = wrapped.RenderDraft(context.Background(), content.RenderRequest{})
	require.ErrorIs(t, err, content.ErrRateLimited)
	assert.Equal(t, 30000.0, l.tpm())

	// Unrelated errors leave the budget alone.
	svc.err = fmt.Errorf("boom")
	_, err = wrapped.RenderDraft(context.Background(), content.RenderRequest{})
	require.Error(t, err)
	assert.Equal(t, 30000.0, l.tpm())
}

func TestEstimateProfileTokens(t *testing.T) {
	p := content.Profile{
		Name:     "Jordan Avery", // 12 chars
		Headline: "Engineer",     // 8 chars
		Skills:   []string{"Go"}, // 2 chars
	}
	assert.Equal(t, 22/3, estimateProfileTokens(p))
}

type fakeClusterMap struct {
	mu   sync.Mutex
	vals map[string]string
	ch   chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{vals: make(map[string]string), ch: make(chan rmap.EventKind, 8)}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vals[key]; ok {
		return false, nil
	}
	m.vals[key] = value
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.vals[key]
	if prev == test {
		m.vals[key] = value
	}
	return prev, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.ch
}

func (m *fakeClusterMap) set(key, value string) {
	m.mu.Lock()
	m.vals[key] = value
	m.mu.Unlock()
}

func TestClusterLimiterSeedsSharedBudget(t *testing.T) {
	m := newFakeClusterMap()
	l := newClusterAdaptiveRateLimiter(context.Background(), m, "budget", 1000, 2000)

	v, ok := m.Get("budget")
	require.True(t, ok)
	assert.Equal(t, "1000", v)
	assert.Equal(t, 1000.0, l.tpm())
}

func TestClusterLimiterAdoptsExistingBudget(t *testing.T) {
	m := newFakeClusterMap()
	m.set("budget", "400")
	l := newClusterAdaptiveRateLimiter(context.Background(), m, "budget", 1000, 2000)
	assert.Equal(t, 400.0, l.tpm())
}

func TestClusterLimiterReconcilesOnEvents(t *testing.T) {
	m := newFakeClusterMap()
	l := newClusterAdaptiveRateLimiter(context.Background(), m, "budget", 1000, 2000)

	m.set("budget", "1500")
	m.ch <- rmap.EventChange

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.tpm() == 1500.0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("limiter never adopted the shared budget, tpm=%v", l.tpm())
}

func TestGlobalBackoffHalvesSharedBudget(t *testing.T) {
	m := newFakeClusterMap()
	m.set("budget", "1000")
	globalBackoff(context.Background(), m, "budget", 100)
	v, _ := m.Get("budget")
	assert.Equal(t, "500", v)

	// The floor caps how far the shared budget drops.
	m.set("budget", "150")
	globalBackoff(context.Background(), m, "budget", 100)
	v, _ = m.Get("budget")
	assert.Equal(t, "100", v)
}

func TestGlobalProbeGrowsSharedBudget(t *testing.T) {
	m := newFakeClusterMap()
	m.set("budget", "1000")
	globalProbe(context.Background(), m, "budget", 50, 2000)
	v, _ := m.Get("budget")
	assert.Equal(t, "1050", v)

	// At the ceiling the probe leaves the value alone.
	m.set("budget", "2000")
	globalProbe(context.Background(), m, "budget", 50, 2000)
	v, _ = m.Get("budget")
	assert.Equal(t, "2000", v)
}

func TestNilClusterMapFallsBackToLocal(t *testing.T) {
	l := NewAdaptiveRateLimiter(context.Background(), nil, "budget", 1000, 2000)
	require.NotNil(t, l)
	assert.Equal(t, 1000.0, l.tpm())
}
