// Package policy owns the named resilience bundles: retry configuration,
// breaker configuration, bulkhead cap, and failure classification rules per
// policy name. The registry is the only component that constructs breakers;
// everything else reaches them through a Policy handle.
package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/callguard/callguard/internal/circuitbreaker"
	"github.com/callguard/callguard/internal/classify"
	"github.com/callguard/callguard/internal/retry"
)

// DefaultName is the bundle used when a caller references a name with no
// explicit configuration.
const DefaultName = "default"

// Settings is one named bundle of resilience configuration.
type Settings struct {
	Retry   retry.Config
	Breaker circuitbreaker.Config
	// MaxConcurrent caps concurrent in-flight calls through the breaker
	// step. Zero disables the bulkhead.
	MaxConcurrent int
	// Rules maps failure categories to their treatment. Categories without
	// a rule fall back to not-retryable/ignored.
	Rules map[classify.Category]classify.Verdict
}

// Validate checks the whole bundle eagerly so misconfiguration surfaces at
// registration, not at call time.
func (s Settings) Validate() error {
	if err := s.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := s.Breaker.Validate(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}
	if s.MaxConcurrent < 0 {
		return fmt.Errorf("bulkhead: max_concurrent must be >= 0, got %d", s.MaxConcurrent)
	}
	if _, err := classify.NewTable(s.Rules); err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	return nil
}

// Policy is the per-name handle the executor works with. The breaker and
// bulkhead are materialized on first use, so a name whose calls always run
// with the breaker disabled never allocates one.
type Policy struct {
	name      string
	defaulted bool
	retryCfg  retry.Config
	table     *classify.Table
	maxConc   int

	breakerCfg circuitbreaker.Config
	logger     *slog.Logger

	mu       sync.Mutex
	breaker  *circuitbreaker.Breaker
	bulkhead *circuitbreaker.Bulkhead
}

func newPolicy(name string, s Settings, defaulted bool, logger *slog.Logger) (*Policy, error) {
	table, err := classify.NewTable(s.Rules)
	if err != nil {
		return nil, err
	}
	return &Policy{
		name:       name,
		defaulted:  defaulted,
		retryCfg:   s.Retry,
		table:      table,
		maxConc:    s.MaxConcurrent,
		breakerCfg: s.Breaker,
		logger:     logger,
	}, nil
}

// Name returns the policy name.
func (p *Policy) Name() string { return p.name }

// Retry returns the retry configuration.
func (p *Policy) Retry() retry.Config { return p.retryCfg }

// Classifier returns the failure classification table.
func (p *Policy) Classifier() *classify.Table { return p.table }

// Breaker returns the policy's circuit breaker, creating it on first use.
func (p *Policy) Breaker() *circuitbreaker.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.breaker == nil {
		p.breaker = circuitbreaker.New(p.name, p.breakerCfg, p.logger)
	}
	return p.breaker
}

// Bulkhead returns the policy's bulkhead, creating it on first use, or nil
// when no concurrency cap is configured.
func (p *Policy) Bulkhead() *circuitbreaker.Bulkhead {
	if p.maxConc <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bulkhead == nil {
		p.bulkhead = circuitbreaker.NewBulkhead(p.name, p.maxConc)
	}
	return p.bulkhead
}

// materialized reports whether the breaker exists yet, without creating it.
func (p *Policy) materializedBreaker() *circuitbreaker.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breaker
}

func (p *Policy) materializedBulkhead() *circuitbreaker.Bulkhead {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bulkhead
}

// Registry maps policy names to their bundles. Created once at startup,
// mutated only by hot reload and by lazy default cloning; lives for the
// process lifetime.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	policies map[string]*Policy
	defaults Settings
}

// NewRegistry validates every bundle and builds the registry. The bundle set
// must contain a "default" entry; it seeds lazily-created policies for
// unknown names.
func NewRegistry(bundles map[string]Settings, logger *slog.Logger) (*Registry, error) {
	defaults, ok := bundles[DefaultName]
	if !ok {
		return nil, fmt.Errorf("policy bundle %q is required", DefaultName)
	}

	policies := make(map[string]*Policy, len(bundles))
	for name, s := range bundles {
		if name == "" {
			return nil, fmt.Errorf("policy name must be non-empty")
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		p, err := newPolicy(name, s, false, logger)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		policies[name] = p
	}

	return &Registry{
		logger:   logger,
		policies: policies,
		defaults: defaults,
	}, nil
}

// Lookup returns the policy for name, lazily cloning the default bundle when
// the name has no explicit configuration. An empty name selects the default
// policy.
func (r *Registry) Lookup(name string) *Policy {
	if name == "" {
		name = DefaultName
	}

	r.mu.RLock()
	p, ok := r.policies[name]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have cloned it while we waited for the lock.
	if p, ok := r.policies[name]; ok {
		return p
	}

	p, err := newPolicy(name, r.defaults, true, r.logger)
	if err != nil {
		// The default bundle was validated at construction, so cloning it
		// cannot fail; guard anyway.
		panic(fmt.Sprintf("policy: cloning default bundle for %q: %v", name, err))
	}
	r.policies[name] = p
	r.logger.Info("policy not configured, using default bundle", "policy", name)
	return p
}

// ResetBreaker forces the named policy's breaker back to closed. Returns an
// error for unknown names rather than creating a policy as a side effect.
func (r *Registry) ResetBreaker(name string) error {
	r.mu.RLock()
	p, ok := r.policies[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown policy %q", name)
	}
	if b := p.materializedBreaker(); b != nil {
		b.Reset()
	}
	return nil
}

// Apply replaces the registry's bundles, e.g. on config hot reload. All
// bundles are validated before anything is swapped, so a bad reload leaves
// the running set untouched. Policies whose breaker configuration is
// unchanged keep their breaker state.
func (r *Registry) Apply(bundles map[string]Settings) error {
	defaults, ok := bundles[DefaultName]
	if !ok {
		return fmt.Errorf("policy bundle %q is required", DefaultName)
	}
	for name, s := range bundles {
		if name == "" {
			return fmt.Errorf("policy name must be non-empty")
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Policy, len(bundles))
	for name, s := range bundles {
		old := r.policies[name]
		if old != nil && !old.defaulted && settingsEqual(oldSettings(old), s) {
			next[name] = old
			continue
		}
		p, err := newPolicy(name, s, false, r.logger)
		if err != nil {
			return fmt.Errorf("policy %q: %w", name, err)
		}
		if old != nil {
			carryState(old, p)
		}
		next[name] = p
	}

	// Names that were lazily defaulted and still have no explicit config
	// follow the new default bundle.
	for name, old := range r.policies {
		if _, ok := next[name]; ok {
			continue
		}
		if !old.defaulted {
			continue
		}
		p, err := newPolicy(name, defaults, true, r.logger)
		if err != nil {
			return fmt.Errorf("policy %q: %w", name, err)
		}
		carryState(old, p)
		next[name] = p
	}

	r.policies = next
	r.defaults = defaults
	return nil
}

// carryState moves live breaker/bulkhead instances from old to fresh when
// their configuration is unchanged, so a reload that only touches retry
// settings does not discard breaker history.
func carryState(old, fresh *Policy) {
	if old.breakerCfg == fresh.breakerCfg {
		fresh.breaker = old.materializedBreaker()
	}
	if old.maxConc == fresh.maxConc {
		fresh.bulkhead = old.materializedBulkhead()
	}
}

func oldSettings(p *Policy) Settings {
	return Settings{
		Retry:         p.retryCfg,
		Breaker:       p.breakerCfg,
		MaxConcurrent: p.maxConc,
		Rules:         p.table.Rules(),
	}
}

func settingsEqual(a, b Settings) bool {
	if a.Retry != b.Retry || a.Breaker != b.Breaker || a.MaxConcurrent != b.MaxConcurrent {
		return false
	}
	if len(a.Rules) != len(b.Rules) {
		return false
	}
	for c, v := range a.Rules {
		if bv, ok := b.Rules[c]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Snapshot is the observable state of one policy, for admin and health.
type Snapshot struct {
	Name          string                                 `json:"name"`
	Defaulted     bool                                   `json:"defaulted"`
	Retry         retry.Config                           `json:"-"`
	BreakerConfig circuitbreaker.Config                  `json:"-"`
	MaxConcurrent int                                    `json:"max_concurrent,omitempty"`
	Breaker       *circuitbreaker.Snapshot               `json:"breaker,omitempty"`
	InFlight      int                                    `json:"in_flight,omitempty"`
	Rules         map[classify.Category]classify.Verdict `json:"-"`
}

// Snapshots returns a point-in-time view of every policy, sorted by name.
// Policies whose breaker was never materialized report a nil breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	policies := make([]*Policy, 0, len(r.policies))
	for _, p := range r.policies {
		policies = append(policies, p)
	}
	r.mu.RUnlock()

	sort.Slice(policies, func(i, j int) bool { return policies[i].name < policies[j].name })

	out := make([]Snapshot, 0, len(policies))
	for _, p := range policies {
		s := Snapshot{
			Name:          p.name,
			Defaulted:     p.defaulted,
			Retry:         p.retryCfg,
			BreakerConfig: p.breakerCfg,
			MaxConcurrent: p.maxConc,
			Rules:         p.table.Rules(),
		}
		if b := p.materializedBreaker(); b != nil {
			snap := b.Snapshot()
			s.Breaker = &snap
		}
		if bh := p.materializedBulkhead(); bh != nil {
			s.InFlight = bh.InFlight()
		}
		out = append(out, s)
	}
	return out
}
