package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"

	"bazaar/core/types"
	"bazaar/storage"
)

var (
	journalPrefix      = []byte("evt/")
	errJournalPageFull = errors.New("journal: page full")
)

// Record is a journaled event together with its sequence number.
type Record struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Journal persists emitted events in a key-value database keyed by a
// monotonically increasing sequence so that indexers can page through them.
type Journal struct {
	db     storage.Database
	logger *slog.Logger

	mu   sync.Mutex
	next uint64
	subs map[int]chan Record
	subN int
}

// NewJournal opens a journal over the supplied database, resuming the sequence
// after the last persisted record.
func NewJournal(db storage.Database, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{db: db, logger: logger, next: 1}
	err := db.Iterate(journalPrefix, func(key, _ []byte) error {
		seq := decodeSequence(key)
		if seq >= j.next {
			j.next = seq + 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Emit implements the Emitter interface. Persistence failures are logged; they
// never interrupt the state transition that produced the event.
func (j *Journal) Emit(evt Event) {
	if j == nil || evt == nil {
		return
	}
	payload := PayloadOf(evt)
	j.mu.Lock()
	defer j.mu.Unlock()
	record := Record{Sequence: j.next, Event: payload}
	data, err := json.Marshal(record)
	if err != nil {
		j.logger.Error("journal: encode event", "type", payload.Type, "error", err)
		return
	}
	if err := j.db.Put(sequenceKey(record.Sequence), data); err != nil {
		j.logger.Error("journal: persist event", "type", payload.Type, "error", err)
		return
	}
	j.next++
	for _, ch := range j.subs {
		select {
		case ch <- record:
		default:
		}
	}
}

// Subscribe returns a channel receiving every record persisted after the call.
// Records are dropped for a subscriber whose buffer is full; readers detect the
// gap from the sequence numbers and page it in with Since.
func (j *Journal) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)
	j.mu.Lock()
	if j.subs == nil {
		j.subs = make(map[int]chan Record)
	}
	id := j.subN
	j.subN++
	j.subs[id] = ch
	j.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			delete(j.subs, id)
			j.mu.Unlock()
			close(ch)
		})
	}
}

// Since returns up to limit records with a sequence strictly greater than
// after, in ascending order.
func (j *Journal) Since(after uint64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]Record, 0, limit)
	if after == math.MaxUint64 {
		return out, nil
	}
	err := j.db.IterateFrom(journalPrefix, sequenceKey(after+1), func(_, value []byte) error {
		var record Record
		if err := json.Unmarshal(value, &record); err != nil {
			return err
		}
		out = append(out, record)
		if len(out) >= limit {
			return errJournalPageFull
		}
		return nil
	})
	if err != nil && !errors.Is(err, errJournalPageFull) {
		return nil, err
	}
	return out, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, len(journalPrefix)+8)
	copy(key, journalPrefix)
	binary.BigEndian.PutUint64(key[len(journalPrefix):], seq)
	return key
}

func decodeSequence(key []byte) uint64 {
	if len(key) < len(journalPrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(journalPrefix):])
}
