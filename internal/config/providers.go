package config

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gopkg.in/yaml.v3"
)

// ProvidersConfig is the immutable provider catalog loaded at process start.
type ProvidersConfig struct {
	Providers []ProviderDefinition `yaml:"providers"`
	// Routing lists provider names per channel in fallback order.
	Routing   map[string][]string `yaml:"routing"`
	Templates map[string]string   `yaml:"templates"`
}

// ProviderDefinition describes one configured provider instance.
type ProviderDefinition struct {
	Name          string                  `yaml:"name"`
	Driver        string                  `yaml:"driver"`
	Priority      int                     `yaml:"priority"`
	Channels      []string                `yaml:"channels"`
	Capabilities  []string                `yaml:"capabilities"`
	MaxRecipients int                     `yaml:"max_recipients"`
	Currency      string                  `yaml:"currency"`
	RateLimits    RateLimits              `yaml:"rate_limits"`
	Config        map[string]string       `yaml:"config"`
	ResponseCodes map[string]ResponseCode `yaml:"response_codes"`
}

type RateLimits struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

type ResponseCode struct {
	Message  string `yaml:"message"`
	Category string `yaml:"category"`
}

// LoadProviders reads the provider catalog file. ${VAR} references are
// expanded from the environment before parsing.
func LoadProviders(path string) (*ProvidersConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %q: %w", path, err)
	}
	return ParseProviders(raw)
}

func ParseProviders(raw []byte) (*ProvidersConfig, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg ProvidersConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ProvidersConfig) normalize() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("%w: at least one provider must be configured", domain.ErrValidation)
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		def := &c.Providers[i]
		if err := def.normalize(); err != nil {
			return err
		}
		if _, ok := seen[def.Name]; ok {
			return fmt.Errorf("%w: duplicate provider %q", domain.ErrValidation, def.Name)
		}
		seen[def.Name] = struct{}{}
	}

	sort.SliceStable(c.Providers, func(i, j int) bool {
		return c.Providers[i].Priority < c.Providers[j].Priority
	})

	routing := make(map[string][]string, len(c.Routing))
	for rawChannel, names := range c.Routing {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return fmt.Errorf("routing: %w", err)
		}
		normalized := make([]string, 0, len(names))
		for _, name := range names {
			name = strings.ToLower(strings.TrimSpace(name))
			if _, ok := seen[name]; !ok {
				return fmt.Errorf("%w: routing for %s references unknown provider %q", domain.ErrValidation, channel, name)
			}
			normalized = append(normalized, name)
		}
		routing[channel.String()] = normalized
	}
	c.Routing = routing

	return nil
}

func (d *ProviderDefinition) normalize() error {
	d.Name = strings.ToLower(strings.TrimSpace(d.Name))
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	if d.Name == "" {
		return fmt.Errorf("%w: provider name is required", domain.ErrValidation)
	}
	if d.Driver == "" {
		d.Driver = d.Name
	}
	if d.MaxRecipients < 0 {
		return fmt.Errorf("%w: provider %q max_recipients must be >= 0", domain.ErrValidation, d.Name)
	}
	if d.MaxRecipients == 0 {
		d.MaxRecipients = 1
	}
	if d.RateLimits.PerMinute < 0 || d.RateLimits.PerHour < 0 {
		return fmt.Errorf("%w: provider %q rate limits must be >= 0", domain.ErrValidation, d.Name)
	}
	if len(d.Channels) == 0 {
		return fmt.Errorf("%w: provider %q must support at least one channel", domain.ErrValidation, d.Name)
	}

	for i, raw := range d.Channels {
		channel, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return fmt.Errorf("provider %q: %w", d.Name, err)
		}
		d.Channels[i] = channel.String()
	}
	for i, capability := range d.Capabilities {
		d.Capabilities[i] = strings.ToLower(strings.TrimSpace(capability))
	}

	codes := make(map[string]ResponseCode, len(d.ResponseCodes))
	for code, entry := range d.ResponseCodes {
		category, err := domain.ParseErrorCategoryFromString(entry.Category)
		if err != nil {
			return fmt.Errorf("provider %q code %q: %w", d.Name, code, err)
		}
		entry.Category = category.String()
		codes[strings.TrimSpace(code)] = entry
	}
	d.ResponseCodes = codes

	if d.Config == nil {
		d.Config = map[string]string{}
	}
	return nil
}

func (d ProviderDefinition) SupportsChannel(channel domain.Channel) bool {
	return slices.Contains(d.Channels, channel.String())
}

func (d ProviderDefinition) HasCapability(capability string) bool {
	return slices.Contains(d.Capabilities, strings.ToLower(capability))
}

// MissingKeys returns the required config keys that are absent or blank.
func (d ProviderDefinition) MissingKeys(required []string) []string {
	var missing []string
	for _, key := range required {
		if strings.TrimSpace(d.Config[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Value returns a config entry or the fallback when unset.
func (d ProviderDefinition) Value(key string, fallback string) string {
	if v := strings.TrimSpace(d.Config[key]); v != "" {
		return v
	}
	return fallback
}
