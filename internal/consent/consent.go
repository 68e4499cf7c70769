package consent

import (
	"context"
	"strings"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const DefaultTTL = 5 * time.Minute

// Checker answers whether a recipient agreed to receive a message type.
type Checker interface {
	HasConsent(ctx context.Context, recipient string, messageType domain.MessageType) (bool, error)
}

// Store is the persistent source of consent decisions.
type Store interface {
	HasConsent(ctx context.Context, recipient string, messageType domain.MessageType) (bool, error)
	SetConsent(ctx context.Context, recipient string, messageType domain.MessageType, granted bool) error
}

// CachedChecker keeps recent answers in memory. Revocations recorded
// through Set are visible immediately on this instance and within the TTL
// on others.
type CachedChecker struct {
	store  Store
	cache  *gocache.Cache
	logger *zap.Logger
}

func NewCachedChecker(store Store, ttl time.Duration, logger *zap.Logger) *CachedChecker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedChecker{
		store:  store,
		cache:  gocache.New(ttl, 2*ttl),
		logger: logger,
	}
}

func (c *CachedChecker) HasConsent(ctx context.Context, recipient string, messageType domain.MessageType) (bool, error) {
	key := cacheKey(recipient, messageType)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(bool), nil
	}

	granted, err := c.store.HasConsent(ctx, strings.TrimSpace(recipient), messageType)
	if err != nil {
		return false, err
	}
	c.cache.SetDefault(key, granted)
	return granted, nil
}

// Set records a consent decision and refreshes the cached answer.
func (c *CachedChecker) Set(ctx context.Context, recipient string, messageType domain.MessageType, granted bool) error {
	if err := c.store.SetConsent(ctx, strings.TrimSpace(recipient), messageType, granted); err != nil {
		return err
	}
	c.cache.SetDefault(cacheKey(recipient, messageType), granted)
	c.logger.Info("consent updated",
		zap.String("recipient", recipient),
		zap.String("type", messageType.String()),
		zap.Bool("granted", granted),
	)
	return nil
}

// RequiresConsent reports whether sends of messageType must pass the consent gate.
func RequiresConsent(messageType domain.MessageType) bool {
	return messageType == domain.MessageTypeMarketing
}

func cacheKey(recipient string, messageType domain.MessageType) string {
	return strings.TrimSpace(recipient) + "|" + messageType.String()
}

// AllowAll grants consent to everyone. Used when no consent store is configured.
type AllowAll struct{}

func (AllowAll) HasConsent(context.Context, string, domain.MessageType) (bool, error) {
	return true, nil
}
