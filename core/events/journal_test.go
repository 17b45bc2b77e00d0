package events

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bazaar/core/types"
	"bazaar/storage"
)

type testEvent struct{ evt *types.Event }

func (e testEvent) EventType() string { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

type bareEvent string

func (b bareEvent) EventType() string { return string(b) }

func TestJournalPagesInOrder(t *testing.T) {
	j, err := NewJournal(storage.NewMemDB(), nil)
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		j.Emit(testEvent{evt: &types.Event{Type: name, Attributes: map[string]string{"k": name}}})
	}
	j.Emit(bareEvent("d"))

	page, err := j.Since(0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(1), page[0].Sequence)
	require.Equal(t, "b", page[1].Event.Type)

	page, err = j.Since(page[1].Sequence, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "c", page[0].Event.Attributes["k"])
	require.Equal(t, "d", page[1].Event.Type)
	require.Empty(t, page[1].Event.Attributes)
}

func TestJournalResumesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	j, err := NewJournal(db, nil)
	require.NoError(t, err)
	j.Emit(bareEvent("first"))
	j.Emit(bareEvent("second"))
	db.Close()

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	j, err = NewJournal(db, nil)
	require.NoError(t, err)
	j.Emit(bareEvent("third"))

	page, err := j.Since(0, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, uint64(3), page[2].Sequence)
	require.Equal(t, "third", page[2].Event.Type)

	page, err = j.Since(2, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "third", page[0].Event.Type)
}

func TestMultiEmitterFansOut(t *testing.T) {
	first, err := NewJournal(storage.NewMemDB(), nil)
	require.NoError(t, err)
	second, err := NewJournal(storage.NewMemDB(), nil)
	require.NoError(t, err)
	MultiEmitter{first, nil, second, NoopEmitter{}}.Emit(bareEvent("x"))

	for _, j := range []*Journal{first, second} {
		page, err := j.Since(0, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
	}
}

func TestJournalSubscribeReceivesNewRecords(t *testing.T) {
	j, err := NewJournal(storage.NewMemDB(), nil)
	require.NoError(t, err)
	j.Emit(bareEvent("before"))

	ch, cancel := j.Subscribe(1)
	j.Emit(bareEvent("after"))
	j.Emit(bareEvent("dropped"))

	record := <-ch
	require.Equal(t, uint64(2), record.Sequence)
	require.Equal(t, "after", record.Event.Type)

	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)
	j.Emit(bareEvent("closed"))
}
