package session

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mrsingh-rishi/livetranslate/model"
)

// Transcript is the append-only log of local and remote entries. It is safe
// for concurrent use.
type Transcript struct {
	mu      sync.Mutex
	entries []model.TranscriptEntry
	seq     uint64

	nextSub int
	subs    map[int]chan model.TranscriptEntry
	dropped uint64
}

func NewTranscript() *Transcript {
	return &Transcript{subs: make(map[int]chan model.TranscriptEntry)}
}

// Append adds result and notifies watchers. Watchers that are not keeping up
// miss the entry rather than blocking the append.
func (t *Transcript) Append(result model.TranslationResult, isLocal bool) model.TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	entry := model.TranscriptEntry{
		ID:         ulid.Make().String(),
		Seq:        t.seq,
		Result:     result,
		IsLocal:    isLocal,
		ReceivedAt: time.Now(),
	}
	t.entries = append(t.entries, entry)

	for _, ch := range t.subs {
		select {
		case ch <- entry:
		default:
			t.dropped++
		}
	}
	return entry
}

// Entries returns a copy of the log.
func (t *Transcript) Entries() []model.TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear empties the log. Sequence numbers keep increasing across clears.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// Watch subscribes to appended entries. The returned cancel func closes the
// channel and must be called once the caller is done.
func (t *Transcript) Watch(buffer int) (<-chan model.TranscriptEntry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan model.TranscriptEntry, buffer)

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// Missed is the number of notifications dropped for slow watchers.
func (t *Transcript) Missed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
