// Package catalog maps provider drivers to their factories and builds the
// registry from the provider configuration file.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"github.com/kursadbilgin/message-dispatch/internal/provider/aliyun"
	"github.com/kursadbilgin/message-dispatch/internal/provider/mocktest"
	"github.com/kursadbilgin/message-dispatch/internal/provider/smsmisr"
	"github.com/kursadbilgin/message-dispatch/internal/provider/tencent"
	"github.com/kursadbilgin/message-dispatch/internal/provider/twilio"
	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	drivers = map[string]provider.Factory{
		smsmisr.Driver:  smsmisr.New,
		twilio.Driver:   twilio.New,
		mocktest.Driver: mocktest.New,
		aliyun.Driver:   aliyun.New,
		tencent.Driver:  tencent.New,
	}
)

// RegisterDriver adds or replaces the factory used for driver.
func RegisterDriver(driver string, factory provider.Factory) {
	mu.Lock()
	defer mu.Unlock()
	drivers[strings.ToLower(strings.TrimSpace(driver))] = factory
}

func Lookup(driver string) (provider.Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	factory, ok := drivers[strings.ToLower(strings.TrimSpace(driver))]
	return factory, ok
}

// Drivers lists the known driver names.
func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build registers every configured provider and installs channel routing.
// An unknown driver or an adapter that fails to build aborts startup.
func Build(cfg *config.ProvidersConfig, deps provider.Dependencies, healthTTL time.Duration, logger *zap.Logger) (*provider.Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: providers config is required", domain.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Classifier == nil {
		deps.Classifier = provider.NewClassifier()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}

	registry := provider.NewRegistry(healthTTL, logger)
	for _, def := range cfg.Providers {
		factory, ok := Lookup(def.Driver)
		if !ok {
			return nil, fmt.Errorf("%w: provider %q uses unknown driver %q", domain.ErrValidation, def.Name, def.Driver)
		}
		if err := registry.Register(def, factory, deps); err != nil {
			return nil, err
		}
	}

	if err := registry.SetRouting(cfg.Routing); err != nil {
		return nil, fmt.Errorf("failed to apply provider routing: %w", err)
	}
	return registry, nil
}
