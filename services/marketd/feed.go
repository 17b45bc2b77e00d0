package marketd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"bazaar/core/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	feedPageSize   = 256
)

// Feed streams journaled market events over websockets. Clients pass the last
// sequence they saw as ?cursor= to resume without gaps.
type Feed struct {
	journal *events.Journal
	logger  *slog.Logger
}

// NewFeed wraps journal.
func NewFeed(journal *events.Journal, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{journal: journal, logger: logger}
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	if f == nil || f.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := f.stream(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (f *Feed) stream(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	updates, cancel := f.journal.Subscribe(feedPageSize)
	defer cancel()

	catchUp := func() error {
		for {
			page, err := f.journal.Since(cursor, feedPageSize)
			if err != nil {
				return err
			}
			for _, record := range page {
				if err := writeRecord(ctx, conn, record); err != nil {
					return err
				}
				cursor = record.Sequence
			}
			if len(page) < feedPageSize {
				return nil
			}
		}
	}
	if err := catchUp(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-updates:
			if !ok {
				return nil
			}
			switch {
			case record.Sequence <= cursor:
				continue
			case record.Sequence == cursor+1:
				if err := writeRecord(ctx, conn, record); err != nil {
					return err
				}
				cursor = record.Sequence
			default:
				if err := catchUp(); err != nil {
					return err
				}
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, record events.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (f *Feed) handleList(w http.ResponseWriter, r *http.Request) {
	if f == nil || f.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	page, err := f.journal.Since(after, limit)
	if err != nil {
		f.logger.Error("journal read failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": page})
}
