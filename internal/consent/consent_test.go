package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
)

type fakeStore struct {
	lookups int
	granted map[string]bool
	err     error
}

func (f *fakeStore) HasConsent(_ context.Context, recipient string, messageType domain.MessageType) (bool, error) {
	f.lookups++
	if f.err != nil {
		return false, f.err
	}
	return f.granted[cacheKey(recipient, messageType)], nil
}

func (f *fakeStore) SetConsent(_ context.Context, recipient string, messageType domain.MessageType, granted bool) error {
	if f.granted == nil {
		f.granted = map[string]bool{}
	}
	f.granted[cacheKey(recipient, messageType)] = granted
	return nil
}

func TestCachedCheckerCachesAnswers(t *testing.T) {
	t.Parallel()

	store := &fakeStore{granted: map[string]bool{cacheKey("+201001234567", domain.MessageTypeMarketing): true}}
	checker := NewCachedChecker(store, time.Minute, nil)

	for i := 0; i < 3; i++ {
		ok, err := checker.HasConsent(context.Background(), "+201001234567", domain.MessageTypeMarketing)
		if err != nil {
			t.Fatalf("HasConsent() error = %v", err)
		}
		if !ok {
			t.Fatal("HasConsent() = false, want true")
		}
	}
	if store.lookups != 1 {
		t.Fatalf("store lookups = %d, want 1", store.lookups)
	}
}

func TestCachedCheckerMissingRowMeansNoConsent(t *testing.T) {
	t.Parallel()

	checker := NewCachedChecker(&fakeStore{}, time.Minute, nil)
	ok, err := checker.HasConsent(context.Background(), "+15550001111", domain.MessageTypeMarketing)
	if err != nil {
		t.Fatalf("HasConsent() error = %v", err)
	}
	if ok {
		t.Fatal("HasConsent() = true, want false")
	}
}

func TestCachedCheckerSetRefreshesCache(t *testing.T) {
	t.Parallel()

	store := &fakeStore{granted: map[string]bool{cacheKey("+15550001111", domain.MessageTypeMarketing): true}}
	checker := NewCachedChecker(store, time.Minute, nil)

	if ok, _ := checker.HasConsent(context.Background(), "+15550001111", domain.MessageTypeMarketing); !ok {
		t.Fatal("expected initial consent")
	}
	if err := checker.Set(context.Background(), "+15550001111", domain.MessageTypeMarketing, false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if ok, _ := checker.HasConsent(context.Background(), "+15550001111", domain.MessageTypeMarketing); ok {
		t.Fatal("revoked consent must be visible immediately")
	}
}

func TestCachedCheckerDoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("db down")}
	checker := NewCachedChecker(store, time.Minute, nil)

	if _, err := checker.HasConsent(context.Background(), "+1", domain.MessageTypeMarketing); err == nil {
		t.Fatal("HasConsent() error = nil, want store error")
	}
	store.err = nil
	if _, err := checker.HasConsent(context.Background(), "+1", domain.MessageTypeMarketing); err != nil {
		t.Fatalf("HasConsent() error = %v", err)
	}
	if store.lookups != 2 {
		t.Fatalf("store lookups = %d, want 2", store.lookups)
	}
}

func TestRequiresConsent(t *testing.T) {
	t.Parallel()

	if !RequiresConsent(domain.MessageTypeMarketing) {
		t.Fatal("marketing needs consent")
	}
	if RequiresConsent(domain.MessageTypeTransactional) || RequiresConsent(domain.MessageTypeOTP) {
		t.Fatal("only marketing needs consent")
	}
}
