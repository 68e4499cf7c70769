package provider

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultHealthTTL = 60 * time.Second

type registration struct {
	adapter Adapter
	def     config.ProviderDefinition
}

// Registry holds the configured adapters and picks one per send. Health
// reads are cached for a short TTL; a stale answer is acceptable.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
	routing map[domain.Channel][]string

	health *gocache.Cache
	group  singleflight.Group
	logger *zap.Logger
}

func NewRegistry(healthTTL time.Duration, logger *zap.Logger) *Registry {
	if healthTTL <= 0 {
		healthTTL = DefaultHealthTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		entries: make(map[string]registration),
		routing: make(map[domain.Channel][]string),
		health:  gocache.New(healthTTL, 2*healthTTL),
		logger:  logger,
	}
}

// Register builds the adapter for def with factory and stores it under def.Name.
func (r *Registry) Register(def config.ProviderDefinition, factory Factory, deps Dependencies) error {
	if factory == nil {
		return fmt.Errorf("%w: provider %q has no factory", domain.ErrValidation, def.Name)
	}
	name := normalizeProvider(def.Name)
	if name == "" {
		return fmt.Errorf("%w: provider name is required", domain.ErrValidation)
	}
	def.Name = name

	adapter, err := factory(def, deps)
	if err != nil {
		return fmt.Errorf("failed to build provider %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: provider %q already registered", domain.ErrConflict, name)
	}
	r.entries[name] = registration{adapter: adapter, def: def}

	r.logger.Info("provider registered",
		zap.String("provider", name),
		zap.String("driver", def.Driver),
		zap.Strings("capabilities", def.Capabilities),
	)
	return nil
}

// SetRouting installs the per-channel fallback order.
func (r *Registry) SetRouting(routing map[string][]string) error {
	parsed := make(map[domain.Channel][]string, len(routing))
	for rawChannel, names := range routing {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return err
		}
		parsed[channel] = slices.Clone(names)
	}

	r.mu.Lock()
	r.routing = parsed
	r.mu.Unlock()
	return nil
}

// Resolve returns the adapter registered under name.
func (r *Registry) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[normalizeProvider(name)]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", domain.ErrNotFound, name)
	}
	return entry.adapter, nil
}

func (r *Registry) Definition(name string) (config.ProviderDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[normalizeProvider(name)]
	if !ok {
		return config.ProviderDefinition{}, fmt.Errorf("%w: provider %q", domain.ErrNotFound, name)
	}
	return entry.def, nil
}

// Definitions returns every registered definition in priority order.
func (r *Registry) Definitions() []config.ProviderDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]config.ProviderDefinition, 0, len(r.entries))
	for _, entry := range r.entries {
		defs = append(defs, entry.def)
	}
	sortDefinitions(defs)
	return defs
}

func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}

// ByCapability lists providers declaring capability, in priority order.
func (r *Registry) ByCapability(capability string) []string {
	var names []string
	for _, def := range r.Definitions() {
		if def.HasCapability(capability) {
			names = append(names, def.Name)
		}
	}
	return names
}

// Candidates returns the ordered provider names to try for channel: the
// preferred provider, then the channel routing, then every other provider
// supporting the channel by priority.
func (r *Registry) Candidates(preferred string, channel domain.Channel) []string {
	defs := r.Definitions()

	r.mu.RLock()
	routed := slices.Clone(r.routing[channel])
	r.mu.RUnlock()

	supports := make(map[string]bool, len(defs))
	for _, def := range defs {
		supports[def.Name] = def.SupportsChannel(channel) && sendCapable(def)
	}

	seen := make(map[string]struct{}, len(defs))
	out := make([]string, 0, len(defs))
	add := func(name string) {
		name = normalizeProvider(name)
		if name == "" || !supports[name] {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	add(preferred)
	for _, name := range routed {
		add(name)
	}
	for _, def := range defs {
		add(def.Name)
	}
	return out
}

// Select returns the first healthy provider for channel. An explicitly
// preferred provider that is not registered is an error rather than a
// silent fallback.
func (r *Registry) Select(ctx context.Context, preferred string, channel domain.Channel) (Adapter, error) {
	if strings.TrimSpace(preferred) != "" {
		if _, err := r.Resolve(preferred); err != nil {
			return nil, err
		}
	}

	for _, name := range r.Candidates(preferred, channel) {
		if !r.IsHealthy(ctx, name) {
			r.logger.Warn("provider unhealthy, trying next",
				zap.String("provider", name),
				zap.String("channel", channel.String()),
			)
			continue
		}
		adapter, err := r.Resolve(name)
		if err != nil {
			continue
		}
		return adapter, nil
	}

	return nil, fmt.Errorf("%w: channel %s", domain.ErrNoProviderAvailable, channel)
}

// IsHealthy returns the cached health of name, refreshing it when expired.
func (r *Registry) IsHealthy(ctx context.Context, name string) bool {
	name = normalizeProvider(name)
	if cached, ok := r.health.Get(name); ok {
		return cached.(bool)
	}

	value, _, _ := r.group.Do(name, func() (any, error) {
		adapter, err := r.Resolve(name)
		if err != nil {
			return false, nil
		}
		healthy := adapter.IsHealthy(ctx)
		r.health.SetDefault(name, healthy)
		return healthy, nil
	})
	healthy, _ := value.(bool)
	return healthy
}

// Invalidate drops the cached health of name so the next read refreshes it.
func (r *Registry) Invalidate(name string) {
	r.health.Delete(normalizeProvider(name))
}

// Balance queries the provider balance.
func (r *Registry) Balance(ctx context.Context, name string) (Balance, error) {
	adapter, err := r.Resolve(name)
	if err != nil {
		return Balance{}, err
	}
	return adapter.GetBalance(ctx)
}

func sendCapable(def config.ProviderDefinition) bool {
	return len(def.Capabilities) == 0 || def.HasCapability(CapabilitySend) || def.HasCapability(CapabilityBulkMessaging)
}

func sortDefinitions(defs []config.ProviderDefinition) {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority < defs[j].Priority
		}
		return defs[i].Name < defs[j].Name
	})
}
