package stream

import (
	"log/slog"
	"sync"

	"github.com/lexassist/lexchat-web/internal/models"
)

// Observer is notified with a fresh copy of the message list after every change. Implementations must
// not call back into the accumulator's controller from Render, since notifications are delivered on
// the stream's read loop.
type Observer interface {
	Render(messages []models.Message)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(messages []models.Message)

// Render implements Observer.
func (f ObserverFunc) Render(messages []models.Message) {
	f(messages)
}

// Accumulator folds stream frames into the ordered list of messages of one conversation view.
//
// Exactly one merge target is open at a time: the response id of the latest answer frame. Messages are
// only ever appended or merged into, never removed or reordered. The list is written by a single
// goroutine, the stream's read loop or the caller placing user messages before a stream starts; the
// mutex only makes concurrent snapshots safe.
type Accumulator struct {
	mu        sync.RWMutex
	messages  []models.Message
	target    string
	hasTarget bool

	observer Observer
	logger   *slog.Logger
}

// NewAccumulator creates an accumulator seeded with messages, typically the conversation's history.
// A nil observer disables notifications.
func NewAccumulator(seed []models.Message, observer Observer, logger *slog.Logger) *Accumulator {
	msgs := make([]models.Message, len(seed))
	for i, m := range seed {
		msgs[i] = m.Clone()
	}
	return &Accumulator{
		messages: msgs,
		observer: observer,
		logger:   logger.With(slog.String("module", "accumulator")),
	}
}

// Apply folds one frame into the list and reports whether the list changed.
//
// User frames are ignored, since the caller appends the user's message itself before the stream starts.
// An answer frame always appends a new bot message, even when its id repeats an earlier one, and makes
// its id the merge target. Every other frame, whatever its mode, merges its present fields into the
// messages carrying the target id; with no target or no match it is dropped.
func (a *Accumulator) Apply(f models.Frame) bool {
	a.mu.Lock()
	changed := a.apply(f)
	var snapshot []models.Message
	if changed {
		snapshot = a.snapshotLocked()
	}
	a.mu.Unlock()

	if changed {
		a.notify(snapshot)
	}
	return changed
}

func (a *Accumulator) apply(f models.Frame) bool {
	switch f.Kind() {
	case models.KindUser:
		return false
	case models.KindAnswer:
		a.messages = append(a.messages, models.MessageFromFrame(f))
		a.target, a.hasTarget = f.ID()
		return true
	}

	if !a.hasTarget {
		a.logger.Debug("Dropping frame without merge target", slog.String("mode", string(f.Mode)))
		return false
	}

	changed := false
	for i := range a.messages {
		if a.messages[i].Role != models.RoleBot || a.messages[i].ResponseID != a.target {
			continue
		}
		if a.messages[i].Merge(f) {
			changed = true
		}
	}
	if !changed {
		a.logger.Debug("Dropping frame for stale merge target",
			slog.String("mode", string(f.Mode)),
			slog.String("target", a.target))
	}
	return changed
}

// Append places m at the end of the list and notifies the observer. It doesn't touch the merge target.
func (a *Accumulator) Append(m models.Message) {
	a.mu.Lock()
	a.messages = append(a.messages, m.Clone())
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(snapshot)
}

// AppendUnique appends m unless an equivalent user message, same question, chat and user, is already
// in the list. It reports whether m was appended.
func (a *Accumulator) AppendUnique(m models.Message) bool {
	a.mu.Lock()
	for _, existing := range a.messages {
		if existing.Role == m.Role && existing.Question == m.Question &&
			existing.ChatID == m.ChatID && existing.UserID == m.UserID {
			a.mu.Unlock()
			return false
		}
	}
	a.messages = append(a.messages, m.Clone())
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(snapshot)
	return true
}

// Messages returns a copy of the current list.
func (a *Accumulator) Messages() []models.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

// Target returns the current merge target.
func (a *Accumulator) Target() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.target, a.hasTarget
}

func (a *Accumulator) snapshotLocked() []models.Message {
	out := make([]models.Message, len(a.messages))
	for i, m := range a.messages {
		out[i] = m.Clone()
	}
	return out
}

func (a *Accumulator) notify(messages []models.Message) {
	if a.observer == nil {
		return
	}
	a.observer.Render(messages)
}
