package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"github.com/kursadbilgin/message-dispatch/internal/repository/repositorytest"
)

type fakeSender struct {
	mu         sync.Mutex
	calls      int
	sendFn     func(ctx context.Context, preferred string, data provider.SendMessageData) (provider.MessageResponse, error)
	sendBulkFn func(ctx context.Context, name string, data []provider.SendMessageData) ([]provider.MessageResponse, error)
}

func (f *fakeSender) Send(ctx context.Context, preferred string, data provider.SendMessageData) (provider.MessageResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.sendFn(ctx, preferred, data)
}

func (f *fakeSender) SendBulk(ctx context.Context, name string, data []provider.SendMessageData) ([]provider.MessageResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.sendBulkFn(ctx, name, data)
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingScheduler) ScheduleRetry(_ context.Context, _ *domain.Message, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, delay)
	return nil
}

type recordingIDs struct {
	stored map[string]string
}

func (r *recordingIDs) Store(_ context.Context, providerName, providerMessageID, messageID string) error {
	if r.stored == nil {
		r.stored = map[string]string{}
	}
	r.stored[providerName+"/"+providerMessageID] = messageID
	return nil
}

type harness struct {
	engine    *Engine
	messages  *repositorytest.Messages
	attempts  *repositorytest.Attempts
	batches   *repositorytest.Batches
	sender    *fakeSender
	scheduler *recordingScheduler
	locker    *LocalLocker
	clock     time.Time
}

func newHarness(t *testing.T, messages ...*domain.Message) *harness {
	t.Helper()

	h := &harness{
		messages:  repositorytest.NewMessages(messages...),
		attempts:  repositorytest.NewAttempts(),
		batches:   repositorytest.NewBatches(),
		sender:    &fakeSender{},
		scheduler: &recordingScheduler{},
		locker:    NewLocalLocker(),
		clock:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	engine, err := NewEngine(h.messages, h.attempts, h.sender, h.locker, DefaultPolicy(), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	engine.now = func() time.Time { return h.clock }
	engine.SetScheduler(h.scheduler)
	engine.SetProgressRecorder(h.batches)
	h.engine = engine
	return h
}

func pendingMessage(id string) *domain.Message {
	return &domain.Message{
		ID:         id,
		Provider:   "mocktest",
		Channel:    domain.ChannelSMS,
		Type:       domain.MessageTypeTransactional,
		Recipient:  "+201001234567",
		Body:       "hello",
		Status:     domain.StatusPending,
		MaxRetries: DefaultMaxRetries,
	}
}

func temporaryFailure(context.Context, string, provider.SendMessageData) (provider.MessageResponse, error) {
	return provider.Failed("mocktest", "BUSY", "provider busy", domain.CategoryTemporary), nil
}

func accepted(_ context.Context, _ string, data provider.SendMessageData) (provider.MessageResponse, error) {
	cost := 0.05
	return provider.Succeeded("mocktest", "pm-"+data.MessageID, &cost, "USD", time.Now()), nil
}

func TestAttemptSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingMessage("m-1"))
	h.sender.sendFn = accepted
	ids := &recordingIDs{}
	h.engine.SetProviderIDStore(ids)

	out, err := h.engine.Attempt(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if out.Status != domain.StatusSent || !out.Settled {
		t.Fatalf("Attempt() = %+v, want settled SENT", out)
	}

	m := h.messages.Get("m-1")
	if m.Status != domain.StatusSent || m.SentAt == nil || m.ProviderMessageID == nil || *m.ProviderMessageID != "pm-m-1" {
		t.Fatalf("stored message = %+v", m)
	}
	if m.ErrorCode != nil {
		t.Fatal("successful send must not carry error fields")
	}
	if ids.stored["mocktest/pm-m-1"] != "m-1" {
		t.Fatalf("provider id cache = %v", ids.stored)
	}
	attempts, _ := h.attempts.GetByMessageID(context.Background(), "m-1")
	if len(attempts) != 1 || attempts[0].AttemptNumber != 1 || !attempts[0].Success {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestAttemptRetriesOnScheduleThenFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingMessage("m-1"))
	h.sender.sendFn = temporaryFailure

	wantRetries := []int{1, 2, 3}
	for i, want := range wantRetries {
		out, err := h.engine.Attempt(context.Background(), "m-1")
		if err != nil {
			t.Fatalf("Attempt() #%d error = %v", i+1, err)
		}
		if out.Status != domain.StatusRetrying || out.RetryCount != want {
			t.Fatalf("Attempt() #%d = %+v, want RETRYING with retry count %d", i+1, out, want)
		}
		m := h.messages.Get("m-1")
		if m.RetryCount != want {
			t.Fatalf("stored retry count = %d, want %d", m.RetryCount, want)
		}
		h.clock = *m.NextRetryAt
	}

	out, err := h.engine.Attempt(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("final Attempt() error = %v", err)
	}
	if out.Status != domain.StatusFailed || out.Reason != ReasonExhausted {
		t.Fatalf("final Attempt() = %+v, want FAILED after exhausting retries", out)
	}

	m := h.messages.Get("m-1")
	if m.RetryCount != 3 || m.FailedAt == nil || m.NextRetryAt != nil {
		t.Fatalf("stored message = %+v", m)
	}
	if m.ErrorCategory == nil || *m.ErrorCategory != domain.CategoryTemporary {
		t.Fatalf("error category = %v", m.ErrorCategory)
	}

	wantDelays := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	if len(h.scheduler.delays) != len(wantDelays) {
		t.Fatalf("scheduled delays = %v, want %v", h.scheduler.delays, wantDelays)
	}
	for i := range wantDelays {
		if h.scheduler.delays[i] != wantDelays[i] {
			t.Fatalf("scheduled delays = %v, want %v", h.scheduler.delays, wantDelays)
		}
	}

	attempts, _ := h.attempts.GetByMessageID(context.Background(), "m-1")
	if len(attempts) != 4 {
		t.Fatalf("attempt rows = %d, want 4 (one message, four sends)", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 {
			t.Fatalf("attempt %d number = %d", i, a.AttemptNumber)
		}
	}
}

func TestAttemptNonRetryableKeepsRetryCount(t *testing.T) {
	t.Parallel()

	m := pendingMessage("m-1")
	m.Status = domain.StatusRetrying
	m.RetryCount = 1
	h := newHarness(t, m)
	h.sender.sendFn = func(context.Context, string, provider.SendMessageData) (provider.MessageResponse, error) {
		return provider.Failed("mocktest", "INVALID_NUMBER", "bad number", domain.CategoryInvalidRecipient), nil
	}

	out, err := h.engine.Attempt(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if out.Status != domain.StatusFailed || out.Reason != ReasonNonRetryable {
		t.Fatalf("Attempt() = %+v", out)
	}
	stored := h.messages.Get("m-1")
	if stored.RetryCount != 1 {
		t.Fatalf("retry count = %d, want unchanged 1", stored.RetryCount)
	}
	if stored.LastRetryAt == nil {
		t.Fatal("a retry attempt must record last_retry_at")
	}
	if len(h.scheduler.delays) != 0 {
		t.Fatal("non-retryable failure must not schedule a retry")
	}
}

func TestAttemptSkips(t *testing.T) {
	t.Parallel()

	future := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	tests := []struct {
		name   string
		mutate func(*domain.Message)
		reason string
	}{
		{name: "delivered", mutate: func(m *domain.Message) { m.Status = domain.StatusDelivered }, reason: SkipStatusChanged},
		{name: "cancelled", mutate: func(m *domain.Message) { m.Status = domain.StatusCancelled }, reason: SkipStatusChanged},
		{name: "in flight", mutate: func(m *domain.Message) { m.Status = domain.StatusSending }, reason: SkipStatusChanged},
		{
			name: "retry not yet due",
			mutate: func(m *domain.Message) {
				m.Status = domain.StatusRetrying
				m.NextRetryAt = &future
			},
			reason: SkipNotDue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := pendingMessage("m-1")
			tt.mutate(m)
			h := newHarness(t, m)
			h.sender.sendFn = accepted

			out, err := h.engine.Attempt(context.Background(), "m-1")
			if err != nil {
				t.Fatalf("Attempt() error = %v", err)
			}
			if !out.Skipped || out.Reason != tt.reason {
				t.Fatalf("Attempt() = %+v, want skipped with %s", out, tt.reason)
			}
			if h.sender.Calls() != 0 {
				t.Fatal("provider must not be called")
			}
		})
	}
}

func TestAttemptMissingMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.engine.Attempt(context.Background(), "ghost")
	if err != nil || !out.Skipped || out.Reason != SkipNotFound {
		t.Fatalf("Attempt() = %+v, %v", out, err)
	}
}

func TestAttemptHoldsPerMessageLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingMessage("m-1"))
	started := make(chan struct{})
	proceed := make(chan struct{})
	h.sender.sendFn = func(ctx context.Context, preferred string, data provider.SendMessageData) (provider.MessageResponse, error) {
		close(started)
		<-proceed
		return accepted(ctx, preferred, data)
	}

	done := make(chan Outcome, 1)
	go func() {
		out, _ := h.engine.Attempt(context.Background(), "m-1")
		done <- out
	}()
	<-started

	second, err := h.engine.Attempt(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("second Attempt() error = %v", err)
	}
	if !second.Skipped || second.Reason != SkipLocked {
		t.Fatalf("second Attempt() = %+v, want skipped while locked", second)
	}

	close(proceed)
	if first := <-done; first.Status != domain.StatusSent {
		t.Fatalf("first Attempt() = %+v, want SENT", first)
	}
	if h.sender.Calls() != 1 {
		t.Fatalf("provider calls = %d, want exactly 1", h.sender.Calls())
	}
}

func TestAttemptYieldsToDeliveryReport(t *testing.T) {
	t.Parallel()

	batchID := "b-1"
	m := pendingMessage("m-1")
	m.BatchID = &batchID
	h := newHarness(t, m)
	h.batches = repositorytest.NewBatches(&domain.Batch{ID: batchID, Status: domain.BatchStatusProcessing, TotalRecipients: 1})
	h.engine.SetProgressRecorder(h.batches)

	h.sender.sendFn = func(ctx context.Context, preferred string, data provider.SendMessageData) (provider.MessageResponse, error) {
		// The delivery report lands while the provider call is still open.
		won, err := h.messages.TransitionStatus(ctx, data.MessageID,
			[]domain.Status{domain.StatusSending}, domain.StatusDelivered, repository.StatusChange{})
		if err != nil || !won {
			t.Errorf("simulated report TransitionStatus() = %v, %v", won, err)
		}
		_, _ = h.batches.UpdateProgress(ctx, batchID, domain.ProgressDelta{Sent: 1, Delivered: 1})
		return accepted(ctx, preferred, data)
	}

	out, err := h.engine.Attempt(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if out.Settled || out.Status != domain.StatusDelivered || out.Reason != SettledByReport {
		t.Fatalf("Attempt() = %+v, want superseded by the delivery report", out)
	}
	b := h.batches.Get(batchID)
	if b.ProcessedCount != 1 || b.SentCount != 1 {
		t.Fatalf("batch counters = %+v, want the message counted once", b.Snapshot())
	}
	if b.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch status = %s, want COMPLETED", b.Status)
	}
}

func TestAttemptLocalErrorDoesNotSpendRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingMessage("m-1"))
	h.sender.sendFn = func(context.Context, string, provider.SendMessageData) (provider.MessageResponse, error) {
		return provider.MessageResponse{}, errors.New("consent store unavailable")
	}

	if _, err := h.engine.Attempt(context.Background(), "m-1"); err == nil {
		t.Fatal("Attempt() error = nil, want local error")
	}
	m := h.messages.Get("m-1")
	if m.Status != domain.StatusRetrying || m.RetryCount != 0 || m.NextRetryAt == nil {
		t.Fatalf("stored message = %+v, want RETRYING with retry count 0", m)
	}
}

func TestAttemptBulkAppliesProgressOnce(t *testing.T) {
	t.Parallel()

	batchID := "b-1"
	var messages []*domain.Message
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		m := pendingMessage(id)
		m.BatchID = &batchID
		messages = append(messages, m)
	}
	h := newHarness(t, messages...)
	h.batches = repositorytest.NewBatches(&domain.Batch{ID: batchID, Status: domain.BatchStatusProcessing, TotalRecipients: 3})
	h.engine.SetProgressRecorder(h.batches)

	h.sender.sendBulkFn = func(ctx context.Context, name string, data []provider.SendMessageData) ([]provider.MessageResponse, error) {
		if name != "tencent" {
			t.Errorf("SendBulk() provider = %q", name)
		}
		out := make([]provider.MessageResponse, len(data))
		for i, item := range data {
			out[i], _ = accepted(ctx, name, item)
		}
		out[1] = provider.Failed("tencent", "FailedOperation.PhoneNumberInBlacklist", "blacklisted", domain.CategoryInvalidRecipient)
		return out, nil
	}

	outcomes, err := h.engine.AttemptBulk(context.Background(), "tencent", []string{"m-1", "m-2", "m-3"})
	if err != nil {
		t.Fatalf("AttemptBulk() error = %v", err)
	}
	if outcomes[0].Status != domain.StatusSent || outcomes[1].Status != domain.StatusFailed || outcomes[2].Status != domain.StatusSent {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if h.batches.ProgressUpdates() != 1 {
		t.Fatalf("progress updates = %d, want 1 per chunk", h.batches.ProgressUpdates())
	}
	b := h.batches.Get(batchID)
	if b.SentCount != 2 || b.FailedCount != 1 || b.ProcessedCount != 3 || b.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch = %+v", b.Snapshot())
	}
	if b.TotalCost != 0.1 {
		t.Fatalf("total cost = %v, want 0.1", b.TotalCost)
	}
}

func TestAttemptBulkFailureRequeuesClaimed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingMessage("m-1"), pendingMessage("m-2"))
	h.sender.sendBulkFn = func(context.Context, string, []provider.SendMessageData) ([]provider.MessageResponse, error) {
		return nil, domain.ErrUnsupported
	}

	if _, err := h.engine.AttemptBulk(context.Background(), "smsmisr", []string{"m-1", "m-2"}); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("AttemptBulk() error = %v, want ErrUnsupported", err)
	}
	for _, id := range []string{"m-1", "m-2"} {
		if got := h.messages.Get(id).Status; got != domain.StatusRetrying {
			t.Fatalf("%s status = %s, want RETRYING", id, got)
		}
	}
}

func TestAttemptManyBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var messages []*domain.Message
	ids := []string{"m-1", "m-2", "m-3", "m-4", "m-5", "m-6"}
	for _, id := range ids {
		messages = append(messages, pendingMessage(id))
	}
	h := newHarness(t, messages...)

	var mu sync.Mutex
	inflight, peak := 0, 0
	h.sender.sendFn = func(ctx context.Context, preferred string, data provider.SendMessageData) (provider.MessageResponse, error) {
		mu.Lock()
		inflight++
		peak = max(peak, inflight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return accepted(ctx, preferred, data)
	}

	outcomes, err := h.engine.AttemptMany(context.Background(), ids, 2)
	if err != nil {
		t.Fatalf("AttemptMany() error = %v", err)
	}
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
	for _, out := range outcomes {
		if out.Status != domain.StatusSent {
			t.Fatalf("outcome = %+v", out)
		}
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	batchID := "b-1"
	member := pendingMessage("m-batch")
	member.BatchID = &batchID
	sent := pendingMessage("m-sent")
	sent.Status = domain.StatusSent
	h := newHarness(t, pendingMessage("m-1"), pendingMessage("m-2"), sent, member)

	m, err := h.engine.Cancel(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if m.Status != domain.StatusCancelled || h.messages.Get("m-1").Status != domain.StatusCancelled {
		t.Fatalf("Cancel() = %+v", m)
	}

	if _, err := h.engine.Cancel(context.Background(), "m-sent"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Cancel(sent) error = %v, want ErrConflict", err)
	}
	if _, err := h.engine.Cancel(context.Background(), "m-batch"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Cancel(batch member) error = %v, want ErrConflict", err)
	}
	if _, err := h.engine.Cancel(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Cancel(missing) error = %v, want ErrNotFound", err)
	}

	release, err := h.locker.Acquire(context.Background(), messageLockKey("m-2"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()
	if _, err := h.engine.Cancel(context.Background(), "m-2"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Cancel(in flight) error = %v, want ErrConflict", err)
	}
	if got := h.messages.Get("m-2").Status; got != domain.StatusPending {
		t.Fatalf("m-2 status = %s, want PENDING", got)
	}
}

func TestLocalLocker(t *testing.T) {
	t.Parallel()

	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := l.Acquire(context.Background(), "k"); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("Acquire() error = %v, want ErrLocked", err)
	}
	release()
	release()
	again, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	again()
}

// cancelAwareMessages fails writes on a done context, as the gorm repository does.
type cancelAwareMessages struct {
	*repositorytest.Messages
}

func (c cancelAwareMessages) TransitionStatus(ctx context.Context, id string, from []domain.Status, to domain.Status, change repository.StatusChange) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.Messages.TransitionStatus(ctx, id, from, to, change)
}

type cancelAwareAttempts struct {
	*repositorytest.Attempts
}

func (c cancelAwareAttempts) Create(ctx context.Context, a *domain.MessageAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Attempts.Create(ctx, a)
}

func TestAttemptRecordsOutcomeWhenCallerCancelsMidSend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingMessage("m-1"))
	engine, err := NewEngine(cancelAwareMessages{h.messages}, cancelAwareAttempts{h.attempts}, h.sender, h.locker, DefaultPolicy(), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	engine.now = func() time.Time { return h.clock }
	engine.SetScheduler(h.scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sender.sendFn = func(context.Context, string, provider.SendMessageData) (provider.MessageResponse, error) {
		cancel()
		return provider.Failed("mocktest", "TIMEOUT", "request aborted", domain.CategoryTransport), nil
	}

	out, err := engine.Attempt(ctx, "m-1")
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if out.Status != domain.StatusRetrying {
		t.Fatalf("Attempt() = %+v, want RETRYING", out)
	}

	m := h.messages.Get("m-1")
	if m.Status != domain.StatusRetrying || m.RetryCount != 1 || m.NextRetryAt == nil {
		t.Fatalf("stored message = %+v, want RETRYING with one retry spent", m)
	}
	attempts, _ := h.attempts.GetByMessageID(context.Background(), "m-1")
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}

	h.clock = *m.NextRetryAt
	h.sender.sendFn = accepted
	out, err = engine.Attempt(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("redelivered Attempt() error = %v", err)
	}
	if out.Skipped || out.Status != domain.StatusSent {
		t.Fatalf("redelivered Attempt() = %+v, want SENT", out)
	}
	if calls := h.sender.Calls(); calls != 2 {
		t.Fatalf("provider calls = %d, want 2", calls)
	}
}
