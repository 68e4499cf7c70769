package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return openGorm(t, sqlDB), mock
}

func openGorm(t *testing.T, sqlDB *sql.DB) *gorm.DB {
	t.Helper()

	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	return db
}

const progressUpdate = `UPDATE "batches" SET .*"processed_count"=processed_count \+ \$\d+.*WHERE id = \$\d+ AND processed_count \+ \$\d+ <= total_recipients`

func TestUpdateProgressCompletesBatch(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormBatchRepo(db)
	repo.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	mock.ExpectExec(progressUpdate).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "batches" SET .*"status"=.*WHERE id = \$\d+ AND status = \$\d+ AND processed_count >= total_recipients`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	completed, err := repo.UpdateProgress(context.Background(), "batch-1", domain.ProgressDelta{Sent: 48, Failed: 2, Cost: 0.5})
	if err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if !completed {
		t.Fatal("UpdateProgress() completed = false, want true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateProgressNotYetComplete(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormBatchRepo(db)

	mock.ExpectExec(progressUpdate).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "batches" SET .*"status"=`).WillReturnResult(sqlmock.NewResult(0, 0))

	completed, err := repo.UpdateProgress(context.Background(), "batch-1", domain.ProgressDelta{Sent: 1})
	if err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if completed {
		t.Fatal("UpdateProgress() completed = true, want false")
	}
}

func TestUpdateProgressRejectsOverflow(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormBatchRepo(db)

	mock.ExpectExec(progressUpdate).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := repo.UpdateProgress(context.Background(), "batch-1", domain.ProgressDelta{Failed: 5})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("UpdateProgress() error = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateProgressDeliveredOnlySkipsCompletion(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormBatchRepo(db)

	mock.ExpectExec(`UPDATE "batches" SET .*"delivered_count"=delivered_count \+ \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	completed, err := repo.UpdateProgress(context.Background(), "batch-1", domain.ProgressDelta{Delivered: 1})
	if err != nil || completed {
		t.Fatalf("UpdateProgress() = %v, %v", completed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateProgressIgnoresEmptyDelta(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	completed, err := NewGormBatchRepo(db).UpdateProgress(context.Background(), "batch-1", domain.ProgressDelta{})
	if err != nil || completed {
		t.Fatalf("UpdateProgress() = %v, %v", completed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected SQL: %v", err)
	}
}

func TestMessageTransitionStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "won the transition", affected: 1, want: true},
		{name: "status already moved", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db, mock := newMockDB(t)
			repo := NewGormMessageRepo(db)

			mock.ExpectExec(`UPDATE "messages" SET .*"retry_count"=retry_count \+ 1.*WHERE id = \$\d+ AND status IN \(\$\d+,\$\d+\)`).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			next := time.Now().Add(30 * time.Second)
			got, err := repo.TransitionStatus(context.Background(), "m-1",
				[]domain.Status{domain.StatusSending, domain.StatusRetrying},
				domain.StatusRetrying,
				StatusChange{IncrementRetry: true, NextRetryAt: &next},
			)
			if err != nil {
				t.Fatalf("TransitionStatus() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("TransitionStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageTransitionStatusRejectsIllegalMove(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	_, err := NewGormMessageRepo(db).TransitionStatus(context.Background(), "m-1",
		[]domain.Status{domain.StatusDelivered}, domain.StatusSent, StatusChange{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("TransitionStatus() error = %v, want ErrValidation", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected SQL: %v", err)
	}
}

func TestStatusChangeColumns(t *testing.T) {
	t.Parallel()

	code := "HTTP_500"
	cols := StatusChange{ErrorCode: &code, ClearNextRetry: true}.columns(domain.StatusFailed)
	if cols["status"] != domain.StatusFailed {
		t.Fatalf("status = %v", cols["status"])
	}
	if got, ok := cols["next_retry_at"]; !ok || got != nil {
		t.Fatalf("next_retry_at = %v, want cleared", got)
	}
	if _, ok := cols["retry_count"]; ok {
		t.Fatal("retry_count must not change without IncrementRetry")
	}
	if _, ok := cols["provider"]; ok {
		t.Fatal("provider must not be written when unset")
	}
}

// insertRecorder captures the SQL and bound arguments of every statement.
type insertRecorder struct {
	mu     sync.Mutex
	sql    string
	values []driver.Value
}

func (r *insertRecorder) ConvertValue(v any) (driver.Value, error) {
	value, err := driver.DefaultParameterConverter.ConvertValue(v)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.values = append(r.values, value)
	r.mu.Unlock()
	return value, nil
}

func (r *insertRecorder) Match(expectedSQL, actualSQL string) error {
	r.mu.Lock()
	r.sql = actualSQL
	r.mu.Unlock()
	return sqlmock.QueryMatcherRegexp.Match(expectedSQL, actualSQL)
}

var insertColumns = regexp.MustCompile(`INSERT INTO "\w+" \(([^)]*)\)`)

// column returns the value bound to column in a single-row INSERT.
func (r *insertRecorder) column(t *testing.T, column string) driver.Value {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	match := insertColumns.FindStringSubmatch(r.sql)
	if match == nil {
		t.Fatalf("no INSERT captured, sql = %q", r.sql)
	}
	for i, name := range strings.Split(match[1], ",") {
		if strings.Trim(strings.TrimSpace(name), `"`) == column {
			if i >= len(r.values) {
				t.Fatalf("column %s has no bound value (%d values)", column, len(r.values))
			}
			return r.values[i]
		}
	}
	t.Fatalf("column %s missing from INSERT: %s", column, r.sql)
	return nil
}

func TestCreatePersistsZeroMaxRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		table  string
		create func(db *gorm.DB) (int, error)
	}{
		{
			name:  "message",
			table: "messages",
			create: func(db *gorm.DB) (int, error) {
				m := &domain.Message{
					ID:         "00000000-0000-0000-0000-000000000001",
					Channel:    domain.ChannelSMS,
					Type:       domain.MessageTypeTransactional,
					Recipient:  "+201001234567",
					Body:       "hello",
					Status:     domain.StatusPending,
					MaxRetries: 0,
				}
				err := NewGormMessageRepo(db).Create(context.Background(), m)
				return m.MaxRetries, err
			},
		},
		{
			name:  "batch",
			table: "batches",
			create: func(db *gorm.DB) (int, error) {
				b := &domain.Batch{
					ID:              "00000000-0000-0000-0000-000000000002",
					Channel:         domain.ChannelSMS,
					Type:            domain.MessageTypeMarketing,
					Status:          domain.BatchStatusPending,
					TotalRecipients: 10,
					MaxRetries:      0,
				}
				err := NewGormBatchRepo(db).Create(context.Background(), b)
				return b.MaxRetries, err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			recorder := &insertRecorder{}
			sqlDB, mock, err := sqlmock.New(
				sqlmock.ValueConverterOption(recorder),
				sqlmock.QueryMatcherOption(recorder),
			)
			if err != nil {
				t.Fatalf("sqlmock.New() error = %v", err)
			}
			db := openGorm(t, sqlDB)

			mock.ExpectExec(`INSERT INTO "` + tt.table + `"`).WillReturnResult(sqlmock.NewResult(0, 1))

			got, err := tt.create(db)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if got != 0 {
				t.Fatalf("MaxRetries after Create() = %d, want 0", got)
			}
			if stored := recorder.column(t, "max_retries"); stored != int64(0) {
				t.Fatalf("inserted max_retries = %v (%T), want 0", stored, stored)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}
