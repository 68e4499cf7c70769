package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/batch"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/retry"
	"github.com/kursadbilgin/message-dispatch/internal/webhook"
	"go.uber.org/zap"
)

type workerFixture struct {
	worker    *WorkerService
	sends     *fakeAttempter
	batches   *fakeBatchRunner
	webhooks  *fakeReprocessor
	publisher *recordingPublisher
}

func newWorkerFixture(t *testing.T, consumer queue.Consumer) workerFixture {
	t.Helper()

	f := workerFixture{
		sends:     &fakeAttempter{},
		batches:   &fakeBatchRunner{},
		webhooks:  &fakeReprocessor{},
		publisher: &recordingPublisher{},
	}
	if consumer == nil {
		consumer = &fakeConsumer{}
	}
	scheduler, err := NewJobScheduler(f.publisher)
	if err != nil {
		t.Fatalf("NewJobScheduler() error = %v", err)
	}
	worker, err := NewWorkerService(consumer, f.sends, f.batches, f.webhooks, scheduler, WorkerConcurrency{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}
	worker.now = func() time.Time { return testNow }
	f.worker = worker
	return f
}

func TestNewWorkerServiceValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWorkerService(nil, &fakeAttempter{}, &fakeBatchRunner{}, &fakeReprocessor{}, &JobScheduler{}, WorkerConcurrency{}, nil)
	if err == nil {
		t.Fatal("expected error when consumer is nil")
	}
}

func TestWorkerStartRoutesEveryKind(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{jobs: map[queue.Kind][]queue.Job{
		queue.KindSend:    {{Kind: queue.KindSend, ID: "m-1", Priority: domain.PriorityNormal}},
		queue.KindBatch:   {{Kind: queue.KindBatch, ID: "b-1", Priority: domain.PriorityLow}},
		queue.KindWebhook: {{Kind: queue.KindWebhook, ID: "w-1", Priority: domain.PriorityNormal}},
	}}
	f := newWorkerFixture(t, consumer)

	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := f.sends.ids(); len(got) != 1 || got[0] != "m-1" {
		t.Fatalf("attempted = %v, want [m-1]", got)
	}
	if got := f.batches.ids(); len(got) != 1 || got[0] != "b-1" {
		t.Fatalf("processed batches = %v, want [b-1]", got)
	}
	if got := f.webhooks.ids(); len(got) != 1 || got[0] != "w-1" {
		t.Fatalf("reprocessed webhooks = %v, want [w-1]", got)
	}
	if got := consumer.kinds(); len(got) != 3 {
		t.Fatalf("consumed kinds = %v, want 3 (one consumer per kind)", got)
	}
}

func TestWorkerStartStopsOnConsumerError(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{err: errors.New("channel closed")}
	f := newWorkerFixture(t, consumer)

	if err := f.worker.Start(context.Background()); err == nil {
		t.Fatal("Start() expected error, got nil")
	}
}

func TestWorkerHandleSend(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, nil)
	job := queue.Job{Kind: queue.KindSend, ID: "m-1", Priority: domain.PriorityNormal}

	if err := f.worker.handleSend(context.Background(), job); err != nil {
		t.Fatalf("handleSend() error = %v", err)
	}

	f.sends.err = errors.New("database down")
	if err := f.worker.handleSend(context.Background(), job); err == nil {
		t.Fatal("handleSend() expected error so the job is requeued")
	}
}

func TestWorkerHandleBatchRequeuesDeferredPass(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, nil)
	until := testNow.Add(90 * time.Minute)
	f.batches.result = batch.Result{Status: domain.BatchStatusProcessing, Deferred: 5, DeferUntil: &until}

	job := queue.Job{Kind: queue.KindBatch, ID: "b-1", CorrelationID: "c-1", Priority: domain.PriorityLow}
	if err := f.worker.handleBatch(context.Background(), job); err != nil {
		t.Fatalf("handleBatch() error = %v", err)
	}

	jobs := f.publisher.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("published jobs = %d, want 1", len(jobs))
	}
	if jobs[0].job != job {
		t.Fatalf("requeued job = %+v, want %+v", jobs[0].job, job)
	}
	if jobs[0].opts.Delay != 90*time.Minute {
		t.Fatalf("requeue delay = %s, want 1h30m", jobs[0].opts.Delay)
	}
}

func TestWorkerHandleBatchSkipsSettledAndMissing(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, nil)
	until := testNow.Add(-time.Minute)
	job := queue.Job{Kind: queue.KindBatch, ID: "b-1", Priority: domain.PriorityNormal}

	f.batches.result = batch.Result{Status: domain.BatchStatusCancelled, DeferUntil: &until}
	if err := f.worker.handleBatch(context.Background(), job); err != nil {
		t.Fatalf("handleBatch() error = %v", err)
	}
	if n := len(f.publisher.Jobs()); n != 0 {
		t.Fatalf("published jobs = %d, want 0 for a cancelled batch", n)
	}

	f.batches.err = domain.ErrNotFound
	if err := f.worker.handleBatch(context.Background(), job); err != nil {
		t.Fatalf("handleBatch() error = %v, want nil for a missing batch", err)
	}
}

func TestWorkerHandleBatchMinimumDelay(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, nil)
	until := testNow
	f.batches.result = batch.Result{Status: domain.BatchStatusProcessing, DeferUntil: &until}

	if err := f.worker.handleBatch(context.Background(), queue.Job{Kind: queue.KindBatch, ID: "b-1", Priority: domain.PriorityNormal}); err != nil {
		t.Fatalf("handleBatch() error = %v", err)
	}
	if got := f.publisher.Jobs()[0].opts.Delay; got != minBatchDelay {
		t.Fatalf("requeue delay = %s, want %s", got, minBatchDelay)
	}
}

func TestWorkerHandleWebhook(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, nil)
	job := queue.Job{Kind: queue.KindWebhook, ID: "w-1", Priority: domain.PriorityNormal}

	f.webhooks.err = domain.ErrNotFound
	if err := f.worker.handleWebhook(context.Background(), job); err != nil {
		t.Fatalf("handleWebhook() error = %v, want nil for a missing webhook", err)
	}

	f.webhooks.err = errors.New("database down")
	if err := f.worker.handleWebhook(context.Background(), job); err == nil {
		t.Fatal("handleWebhook() expected error so the job is requeued")
	}
}

func TestJobSchedulerDelays(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	scheduler, err := NewJobScheduler(publisher)
	if err != nil {
		t.Fatalf("NewJobScheduler() error = %v", err)
	}

	m := &domain.Message{ID: "m-1", CorrelationID: "c-1", Type: domain.MessageTypeOTP}
	if err := scheduler.ScheduleRetry(context.Background(), m, 30*time.Second); err != nil {
		t.Fatalf("ScheduleRetry() error = %v", err)
	}
	if err := scheduler.ScheduleWebhook(context.Background(), "w-1", 5*time.Second); err != nil {
		t.Fatalf("ScheduleWebhook() error = %v", err)
	}

	jobs := publisher.Jobs()
	want := []publishedJob{
		{
			job:  queue.Job{Kind: queue.KindSend, ID: "m-1", CorrelationID: "c-1", Priority: domain.PriorityHigh},
			opts: queue.PublishOptions{Delay: 30 * time.Second},
		},
		{
			job:  queue.Job{Kind: queue.KindWebhook, ID: "w-1", CorrelationID: "w-1", Priority: domain.PriorityNormal},
			opts: queue.PublishOptions{Delay: 5 * time.Second},
		},
	}
	if len(jobs) != len(want) {
		t.Fatalf("published jobs = %d, want %d", len(jobs), len(want))
	}
	for i := range want {
		if jobs[i] != want[i] {
			t.Fatalf("job[%d] = %+v, want %+v", i, jobs[i], want[i])
		}
	}
}

type fakeConsumer struct {
	mu       sync.Mutex
	jobs     map[queue.Kind][]queue.Job
	err      error
	consumed []queue.Kind
}

func (f *fakeConsumer) Consume(ctx context.Context, kind queue.Kind, handler queue.JobHandler) error {
	f.mu.Lock()
	f.consumed = append(f.consumed, kind)
	jobs := f.jobs[kind]
	f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	for _, job := range jobs {
		if err := handler(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

func (f *fakeConsumer) kinds() []queue.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Kind(nil), f.consumed...)
}

type idRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *idRecorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, id)
}

func (r *idRecorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type fakeAttempter struct {
	idRecorder
	err error
}

func (f *fakeAttempter) Attempt(_ context.Context, id string) (retry.Outcome, error) {
	f.record(id)
	if f.err != nil {
		return retry.Outcome{}, f.err
	}
	return retry.Outcome{MessageID: id, Status: domain.StatusSent, Settled: true}, nil
}

type fakeBatchRunner struct {
	idRecorder
	result batch.Result
	err    error
}

func (f *fakeBatchRunner) Process(_ context.Context, id string) (batch.Result, error) {
	f.record(id)
	if f.err != nil {
		return batch.Result{BatchID: id}, f.err
	}
	out := f.result
	out.BatchID = id
	return out, nil
}

type fakeReprocessor struct {
	idRecorder
	err error
}

func (f *fakeReprocessor) Reprocess(_ context.Context, id string) (webhook.Result, error) {
	f.record(id)
	if f.err != nil {
		return webhook.Result{}, f.err
	}
	return webhook.Result{Accepted: true, Reason: webhook.ReasonProcessed, WebhookID: id}, nil
}
