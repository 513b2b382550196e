package syncclient

import (
	"sort"
	"sync"
	"time"

	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/obfuscate"
	"github.com/Avicted/chatsync/internal/user"
)

// EntryState is the lifecycle of a rendered entry. Entries pulled from
// the server start Confirmed; locally sent ones start Pending and end
// Confirmed or RolledBack, never both.
type EntryState int

const (
	EntryPending EntryState = iota
	EntryConfirmed
	EntryRolledBack
)

func (s EntryState) String() string {
	switch s {
	case EntryPending:
		return "pending"
	case EntryConfirmed:
		return "confirmed"
	case EntryRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// Entry is one rendered line of a timeline. LocalID is set for entries
// this client sent; ID is zero until the server assigns one.
type Entry struct {
	LocalID       string
	ID            message.ID
	Target        message.Target
	SenderID      user.ID
	SenderName    string
	Content       string
	Kind          message.Kind
	AttachmentURL string
	Obfuscated    bool
	IsMine        bool
	CreatedAt     time.Time
	State         EntryState
}

// timeline is the client-side view of one target. It outlives sessions so
// a restarted sync resumes from the retained watermark.
type timeline struct {
	mu        sync.Mutex
	target    message.Target
	watermark message.ID
	entries   []*Entry
	seen      map[message.ID]struct{}
}

func newTimeline(target message.Target) *timeline {
	return &timeline{target: target, seen: make(map[message.ID]struct{})}
}

func (t *timeline) Watermark() message.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

// merge adds the batch's unseen messages and advances the watermark. It
// returns copies of the entries that were added, ascending by id.
func (t *timeline) merge(batch Batch, codec obfuscate.Codec) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []Entry
	for _, m := range batch.Messages {
		if _, dup := t.seen[m.ID]; dup {
			continue
		}
		t.seen[m.ID] = struct{}{}
		content := m.Content
		if m.Obfuscated {
			content = obfuscate.Reveal(codec, content)
		}
		e := &Entry{
			ID:            m.ID,
			Target:        t.target,
			SenderID:      m.SenderID,
			SenderName:    m.SenderName,
			Content:       content,
			Kind:          m.Kind,
			AttachmentURL: m.AttachmentURL,
			Obfuscated:    m.Obfuscated,
			IsMine:        m.IsMine,
			CreatedAt:     m.CreatedAt,
			State:         EntryConfirmed,
		}
		t.entries = append(t.entries, e)
		added = append(added, *e)
	}
	if batch.Watermark > t.watermark {
		t.watermark = batch.Watermark
	}
	if len(added) > 0 {
		t.sortLocked()
	}
	sort.Slice(added, func(i, j int) bool { return added[i].ID < added[j].ID })
	return added
}

func (t *timeline) addPending(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
}

// confirm gives a pending entry its server identity. If a pull already
// merged that id, the pending entry is dropped instead so the message is
// rendered once.
func (t *timeline) confirm(e *Entry, r Receipt) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.ID = r.ID
	if !r.SentAt.IsZero() {
		e.CreatedAt = r.SentAt
	}
	e.State = EntryConfirmed
	if _, dup := t.seen[r.ID]; dup {
		t.removeLocked(e)
		return
	}
	t.seen[r.ID] = struct{}{}
	t.sortLocked()
}

func (t *timeline) rollback(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.State = EntryRolledBack
	t.removeLocked(e)
}

func (t *timeline) removeLocked(e *Entry) {
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// sortLocked keeps confirmed entries in id order with pending ones after
// them in send order.
func (t *timeline) sortLocked() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		ap, bp := a.State == EntryPending, b.State == EntryPending
		if ap != bp {
			return bp
		}
		if ap {
			return false
		}
		return a.ID < b.ID
	})
}

func (t *timeline) snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// entry returns the stored entry pointer for a local id, for tests and
// callers that need identity.
func (t *timeline) entry(localID string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.LocalID == localID {
			return e
		}
	}
	return nil
}
