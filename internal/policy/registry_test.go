package policy

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/callguard/callguard/internal/circuitbreaker"
	"github.com/callguard/callguard/internal/classify"
	"github.com/callguard/callguard/internal/metrics"
	"github.com/callguard/callguard/internal/retry"
)

func init() {
	metrics.Init()
}

func testSettings() Settings {
	return Settings{
		Retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			Multiplier:  2.0,
		},
		Breaker: circuitbreaker.Config{
			SlidingWindowSize:    10,
			MinimumCalls:         5,
			FailureRateThreshold: 50,
			OpenTimeout:          30 * time.Second,
		},
		Rules: classify.DefaultRules(),
	}
}

func testRegistry(t *testing.T, bundles map[string]Settings) *Registry {
	t.Helper()
	r, err := NewRegistry(bundles, slog.Default())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestNewRegistry_RequiresDefault(t *testing.T) {
	_, err := NewRegistry(map[string]Settings{"externalApi": testSettings()}, slog.Default())
	if err == nil {
		t.Fatal("expected error when default bundle is missing")
	}
	if !strings.Contains(err.Error(), "default") {
		t.Errorf("error should name the missing bundle, got: %v", err)
	}
}

func TestNewRegistry_ValidatesEagerly(t *testing.T) {
	bad := testSettings()
	bad.Retry.MaxAttempts = 0

	_, err := NewRegistry(map[string]Settings{
		DefaultName:   testSettings(),
		"externalApi": bad,
	}, slog.Default())
	if err == nil {
		t.Fatal("expected validation error at registration time")
	}
	if !strings.Contains(err.Error(), "externalApi") {
		t.Errorf("error should name the bad policy, got: %v", err)
	}
}

func TestNewRegistry_RejectsEmptyName(t *testing.T) {
	_, err := NewRegistry(map[string]Settings{
		DefaultName: testSettings(),
		"":          testSettings(),
	}, slog.Default())
	if err == nil {
		t.Fatal("expected error for empty policy name")
	}
}

func TestLookup_KnownName(t *testing.T) {
	named := testSettings()
	named.Retry.MaxAttempts = 5
	r := testRegistry(t, map[string]Settings{
		DefaultName:   testSettings(),
		"externalApi": named,
	})

	p := r.Lookup("externalApi")
	if p.Name() != "externalApi" {
		t.Errorf("expected name externalApi, got %q", p.Name())
	}
	if p.Retry().MaxAttempts != 5 {
		t.Errorf("expected the named bundle's retry config, got %+v", p.Retry())
	}
}

func TestLookup_UnknownNameClonesDefault(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})

	p := r.Lookup("neverConfigured")
	if p.Name() != "neverConfigured" {
		t.Errorf("expected clone to carry the requested name, got %q", p.Name())
	}
	if p.Retry().MaxAttempts != 3 {
		t.Errorf("expected default retry config, got %+v", p.Retry())
	}

	// Second lookup returns the same instance, not another clone.
	if r.Lookup("neverConfigured") != p {
		t.Error("expected repeated lookups to return the same policy")
	}
}

func TestLookup_EmptyNameSelectsDefault(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})
	p := r.Lookup("")
	if p.Name() != DefaultName {
		t.Errorf("expected default policy for empty name, got %q", p.Name())
	}
}

func TestLookup_DistinctNamesGetDistinctBreakers(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})

	a := r.Lookup("a").Breaker()
	b := r.Lookup("b").Breaker()
	if a == b {
		t.Fatal("expected each policy name to own its own breaker")
	}

	// Tripping one must not affect the other.
	for i := 0; i < 10; i++ {
		a.RecordFailure(time.Millisecond)
	}
	if a.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected breaker a open, got %v", a.State())
	}
	if b.State() != circuitbreaker.StateClosed {
		t.Fatalf("expected breaker b untouched, got %v", b.State())
	}
}

func TestPolicy_BreakerMaterializedLazily(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})

	p := r.Lookup("lazy")
	if p.materializedBreaker() != nil {
		t.Fatal("breaker should not exist before first use")
	}

	b := p.Breaker()
	if b == nil {
		t.Fatal("expected breaker after first use")
	}
	if p.materializedBreaker() != b {
		t.Error("expected the materialized breaker to be retained")
	}
	if p.Breaker() != b {
		t.Error("expected repeated Breaker() calls to return the same instance")
	}
}

func TestPolicy_BulkheadDisabledByDefault(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})
	if bh := r.Lookup("x").Bulkhead(); bh != nil {
		t.Errorf("expected nil bulkhead when max_concurrent is 0, got %v", bh)
	}
}

func TestPolicy_BulkheadFromSettings(t *testing.T) {
	s := testSettings()
	s.MaxConcurrent = 4
	r := testRegistry(t, map[string]Settings{DefaultName: s})

	bh := r.Lookup(DefaultName).Bulkhead()
	if bh == nil {
		t.Fatal("expected bulkhead when max_concurrent > 0")
	}
	if bh.Capacity() != 4 {
		t.Errorf("expected capacity 4, got %d", bh.Capacity())
	}
}

func TestResetBreaker(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})

	b := r.Lookup(DefaultName).Breaker()
	for i := 0; i < 10; i++ {
		b.RecordFailure(time.Millisecond)
	}
	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", b.State())
	}

	if err := r.ResetBreaker(DefaultName); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != circuitbreaker.StateClosed {
		t.Errorf("expected closed breaker after reset, got %v", b.State())
	}
}

func TestResetBreaker_UnknownName(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})

	if err := r.ResetBreaker("ghost"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	// The failed reset must not have created the policy.
	for _, s := range r.Snapshots() {
		if s.Name == "ghost" {
			t.Error("reset of unknown policy created it as a side effect")
		}
	}
}

func TestApply_KeepsBreakerStateWhenConfigUnchanged(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})

	b := r.Lookup(DefaultName).Breaker()
	for i := 0; i < 10; i++ {
		b.RecordFailure(time.Millisecond)
	}
	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", b.State())
	}

	// Reload with only the retry config changed.
	changed := testSettings()
	changed.Retry.MaxAttempts = 7
	if err := r.Apply(map[string]Settings{DefaultName: changed}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	p := r.Lookup(DefaultName)
	if p.Retry().MaxAttempts != 7 {
		t.Errorf("expected reloaded retry config, got %+v", p.Retry())
	}
	if p.Breaker().State() != circuitbreaker.StateOpen {
		t.Error("expected breaker state to survive a retry-only reload")
	}
}

func TestApply_RebuildsBreakerWhenConfigChanged(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})

	b := r.Lookup(DefaultName).Breaker()
	for i := 0; i < 10; i++ {
		b.RecordFailure(time.Millisecond)
	}

	changed := testSettings()
	changed.Breaker.SlidingWindowSize = 20
	changed.Breaker.MinimumCalls = 10
	if err := r.Apply(map[string]Settings{DefaultName: changed}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// New breaker config discards the old instance and its state.
	if r.Lookup(DefaultName).materializedBreaker() != nil {
		t.Error("expected a fresh unmaterialized breaker after config change")
	}
}

func TestApply_RejectsInvalidWithoutSwapping(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})

	bad := testSettings()
	bad.Breaker.FailureRateThreshold = 150
	if err := r.Apply(map[string]Settings{DefaultName: bad}); err == nil {
		t.Fatal("expected validation error")
	}

	// The running config must be untouched.
	if got := r.Lookup(DefaultName).Retry().MaxAttempts; got != 3 {
		t.Errorf("running config mutated by failed reload: max attempts %d", got)
	}
}

func TestApply_RequiresDefault(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})
	if err := r.Apply(map[string]Settings{"other": testSettings()}); err == nil {
		t.Fatal("expected error when reload drops the default bundle")
	}
}

func TestApply_DefaultedPoliciesFollowNewDefaults(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})
	r.Lookup("adhoc")

	changed := testSettings()
	changed.Retry.MaxAttempts = 9
	if err := r.Apply(map[string]Settings{DefaultName: changed}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := r.Lookup("adhoc").Retry().MaxAttempts; got != 9 {
		t.Errorf("expected defaulted policy to pick up new defaults, got %d", got)
	}
}

func TestSnapshots(t *testing.T) {
	s := testSettings()
	s.MaxConcurrent = 2
	r := testRegistry(t, map[string]Settings{
		DefaultName:   testSettings(),
		"externalApi": s,
	})

	// Materialize one breaker, leave the other untouched.
	r.Lookup("externalApi").Breaker().RecordFailure(time.Millisecond)

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	// Sorted by name: default, externalApi.
	if snaps[0].Name != DefaultName || snaps[1].Name != "externalApi" {
		t.Errorf("unexpected order: %q, %q", snaps[0].Name, snaps[1].Name)
	}
	if snaps[0].Breaker != nil {
		t.Error("expected nil breaker snapshot for unmaterialized policy")
	}
	if snaps[1].Breaker == nil {
		t.Fatal("expected breaker snapshot for materialized policy")
	}
	if snaps[1].Breaker.Failures != 1 {
		t.Errorf("expected 1 recorded failure, got %d", snaps[1].Breaker.Failures)
	}
}

func TestLookup_ConcurrentCloning(t *testing.T) {
	r := testRegistry(t, map[string]Settings{DefaultName: testSettings()})

	const callers = 50
	results := make([]*Policy, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Lookup("contested")
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent lookups produced different policy instances")
		}
	}
}
