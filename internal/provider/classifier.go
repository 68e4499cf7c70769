package provider

import (
	"net/http"
	"strings"
	"sync"

	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
)

// CodeInfo describes one raw provider response code.
type CodeInfo struct {
	Message  string
	Category domain.ErrorCategory
}

// Classifier maps raw provider codes to error categories. Tables are
// registered at startup and only read afterwards.
type Classifier struct {
	mu     sync.RWMutex
	tables map[string]map[string]CodeInfo
}

func NewClassifier() *Classifier {
	return &Classifier{tables: make(map[string]map[string]CodeInfo)}
}

// Register merges table into the provider's codes; later entries win.
func (c *Classifier) Register(provider string, table map[string]CodeInfo) {
	provider = normalizeProvider(provider)

	c.mu.Lock()
	defer c.mu.Unlock()

	codes, ok := c.tables[provider]
	if !ok {
		codes = make(map[string]CodeInfo, len(table))
		c.tables[provider] = codes
	}
	for code, info := range table {
		codes[normalizeCode(code)] = info
	}
}

// RegisterDefinition applies the response codes configured for a provider.
func (c *Classifier) RegisterDefinition(def config.ProviderDefinition) {
	if len(def.ResponseCodes) == 0 {
		return
	}
	table := make(map[string]CodeInfo, len(def.ResponseCodes))
	for code, entry := range def.ResponseCodes {
		table[code] = CodeInfo{Message: entry.Message, Category: domain.ErrorCategory(entry.Category)}
	}
	c.Register(def.Name, table)
}

func (c *Classifier) Lookup(provider, code string) (CodeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.tables[normalizeProvider(provider)][normalizeCode(code)]
	return info, ok
}

// Classify returns the category of code, or unknown for unmapped codes.
func (c *Classifier) Classify(provider, code string) domain.ErrorCategory {
	if info, ok := c.Lookup(provider, code); ok {
		return info.Category
	}
	return domain.CategoryUnknown
}

// Describe returns the configured message for code, or fallback.
func (c *Classifier) Describe(provider, code, fallback string) string {
	if info, ok := c.Lookup(provider, code); ok && info.Message != "" {
		return info.Message
	}
	return fallback
}

// ClassifyHTTPStatus maps a transport-level HTTP status to a category.
func ClassifyHTTPStatus(status int) domain.ErrorCategory {
	switch {
	case status >= 200 && status < 300:
		return domain.CategorySuccess
	case status == http.StatusTooManyRequests:
		return domain.CategoryRateLimit
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.CategoryAuthentication
	case status == http.StatusRequestTimeout:
		return domain.CategoryTemporary
	case status >= 400 && status < 500:
		return domain.CategoryValidation
	case status >= 500:
		return domain.CategoryTemporary
	default:
		return domain.CategoryUnknown
	}
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
