package marketd

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// IdempotencyRecord stores the response of a request that carried an
// Idempotency-Key header. Keys are scoped to the calling principal.
type IdempotencyRecord struct {
	Principal string `gorm:"primaryKey;size:128"`
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// OpenIdempotencyDB opens and migrates the idempotency database.
func OpenIdempotencyDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("idempotency: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("idempotency: open: %w", err)
	}
	if err := db.AutoMigrate(&IdempotencyRecord{}); err != nil {
		return nil, fmt.Errorf("idempotency: migrate: %w", err)
	}
	return db, nil
}

// Idempotency replays stored responses for repeated Idempotency-Key values.
// A key is reserved before the request runs, so concurrent duplicates see the
// reservation instead of executing twice.
type Idempotency struct {
	db     *gorm.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewIdempotency wraps db. Records older than ttl are ignored and replaced.
func NewIdempotency(db *gorm.DB, ttl time.Duration, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{db: db, ttl: ttl, now: time.Now, logger: logger.With("component", "idempotency")}
}

// pendingStatus marks a reserved key whose request has not finished.
const pendingStatus = 0

// reserve inserts an in-flight record for (principal, key). It returns the
// existing record when another request already holds the key.
func (i *Idempotency) reserve(principal, key string, r *http.Request) (*IdempotencyRecord, error) {
	for attempt := 0; attempt < 2; attempt++ {
		record := IdempotencyRecord{
			Principal: principal,
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    pendingStatus,
			CreatedAt: i.now(),
		}
		res := i.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return nil, nil
		}
		var existing IdempotencyRecord
		if err := i.db.First(&existing, "principal = ? AND key = ?", principal, key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		if i.ttl <= 0 || i.now().Sub(existing.CreatedAt) < i.ttl {
			return &existing, nil
		}
		err := i.db.Where("principal = ? AND key = ? AND created_at < ?", principal, key, i.now().Add(-i.ttl)).
			Delete(&IdempotencyRecord{}).Error
		if err != nil {
			return nil, err
		}
	}
	return nil, errors.New("idempotency: key contended")
}

// Middleware must run after authentication.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if i == nil || i.db == nil || key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 128 {
			writeError(w, http.StatusBadRequest, "idempotency key too long")
			return
		}
		principal := Principal(r.Context())

		existing, err := i.reserve(principal, key, r)
		if err != nil {
			i.logger.Error("reserve idempotency key", slog.String("principal", principal), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		}
		if existing != nil {
			switch {
			case existing.Method != r.Method || existing.Path != r.URL.Path:
				writeError(w, http.StatusConflict, "idempotency key reused for a different request")
			case existing.Status == pendingStatus:
				writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
			default:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(existing.Status)
				_, _ = w.Write([]byte(existing.Response))
			}
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		if recorder.status == 0 {
			recorder.status = http.StatusOK
		}
		scope := i.db.Model(&IdempotencyRecord{}).Where("principal = ? AND key = ?", principal, key)
		if recorder.status >= http.StatusInternalServerError {
			// Failed requests may be retried with the same key.
			if err := i.db.Where("principal = ? AND key = ?", principal, key).Delete(&IdempotencyRecord{}).Error; err != nil {
				i.logger.Error("release idempotency key", slog.String("principal", principal), slog.Any("error", err))
			}
			return
		}
		err = scope.Updates(map[string]any{
			"status":   recorder.status,
			"response": recorder.buf.String(),
		}).Error
		if err != nil {
			i.logger.Error("store idempotent response", slog.String("principal", principal), slog.Any("error", err))
		}
	})
}

type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
