// Package conversation implements the per-conversation message log and the
// reconciliation rules that keep it free of duplicates regardless of which
// delivery path a message arrives on.
package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/ashureev/casedesk/internal/domain"
)

// DefaultWindow is the timestamp tolerance used to match the same logical
// message arriving on the mutation path and the push path.
const DefaultWindow = 3 * time.Second

// Outcome classifies the result of an append.
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// AppendResult is returned by Log.Append. Reason is set only for Rejected.
// Message is the stored entry for Accepted and Duplicate outcomes.
type AppendResult struct {
	Outcome Outcome
	Reason  error
	Message domain.Message
}

// Change identifies what a change notification is about.
type Change int

const (
	ChangeAppended Change = iota
	ChangeRetracted
	ChangeStatus
	ChangeLabels
)

// ChangeFunc receives a snapshot after every accepted mutation. It is called
// without the log's lock held.
type ChangeFunc func(snapshot domain.Conversation, change Change)

// Log owns one conversation's state. All message mutations go through Append
// and Retract so the no-duplicate invariant holds for every caller.
type Log struct {
	mu       sync.Mutex
	conv     domain.Conversation
	window   time.Duration
	onChange ChangeFunc
	now      func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithWindow overrides the duplicate-detection timestamp window.
func WithWindow(d time.Duration) Option {
	return func(l *Log) {
		if d >= 0 {
			l.window = d
		}
	}
}

// WithOnChange registers the re-render hook.
func WithOnChange(fn ChangeFunc) Option {
	return func(l *Log) { l.onChange = fn }
}

// WithClock overrides time.Now for LastUpdated stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New wraps a copy of conv.
func New(conv domain.Conversation, opts ...Option) *Log {
	l := &Log{
		conv:   conv.Clone(),
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.conv.Status == "" {
		l.conv.Status = domain.StatusOpen
	}
	return l
}

// ID returns the conversation id.
func (l *Log) ID() string {
	return l.conv.ID
}

// Status returns the current status.
func (l *Log) Status() domain.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conv.Status
}

// Len returns the number of stored messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conv.Messages)
}

// Snapshot returns a deep copy of the conversation.
func (l *Log) Snapshot() domain.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conv.Clone()
}

// Append reconciles candidate into the log.
func (l *Log) Append(candidate domain.Message) AppendResult {
	l.mu.Lock()

	if l.conv.Status == domain.StatusClosed {
		l.mu.Unlock()
		return AppendResult{Outcome: Rejected, Reason: domain.ErrConversationClosed}
	}
	if err := candidate.Validate(); err != nil {
		l.mu.Unlock()
		return AppendResult{Outcome: Rejected, Reason: err}
	}

	if i := l.findDuplicate(candidate); i >= 0 {
		existing := &l.conv.Messages[i]
		if existing.ID == 0 && candidate.ID != 0 {
			existing.ID = candidate.ID
		}
		stored := *existing
		l.mu.Unlock()
		return AppendResult{Outcome: Duplicate, Message: stored}
	}

	msgs := l.conv.Messages
	idx := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].Timestamp.After(candidate.Timestamp)
	})
	msgs = append(msgs, domain.Message{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = candidate
	l.conv.Messages = msgs
	l.conv.LastUpdated = l.now()

	snap := l.conv.Clone()
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn(snap, ChangeAppended)
	}
	return AppendResult{Outcome: Accepted, Message: candidate}
}

// findDuplicate returns the index of an entry equivalent to m, or -1.
// Must be called with l.mu held.
func (l *Log) findDuplicate(m domain.Message) int {
	msgs := l.conv.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		e := msgs[i]
		if m.LocalID != "" && e.LocalID == m.LocalID && e.Origin == m.Origin {
			return i
		}
		if m.ID != 0 && e.ID == m.ID {
			return i
		}
		if e.Origin == m.Origin && e.Content == m.Content && absDuration(e.Timestamp.Sub(m.Timestamp)) <= l.window {
			return i
		}
	}
	return -1
}

// Retract removes an unconfirmed optimistic entry. Entries that already carry
// a server id are confirmed and stay.
func (l *Log) Retract(localID string) bool {
	if localID == "" {
		return false
	}
	l.mu.Lock()
	idx := -1
	for i, m := range l.conv.Messages {
		if m.LocalID == localID && m.ID == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return false
	}
	l.conv.Messages = append(l.conv.Messages[:idx], l.conv.Messages[idx+1:]...)
	snap := l.conv.Clone()
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn(snap, ChangeRetracted)
	}
	return true
}

// CheckTransition validates a transition against the current state without applying it.
func (l *Log) CheckTransition(to domain.Status, actor string) error {
	l.mu.Lock()
	trial := l.conv.Clone()
	l.mu.Unlock()
	return trial.Transition(to, actor, l.now())
}

// Transition applies a transition decided by this process (the authority).
func (l *Log) Transition(to domain.Status, actor string) error {
	l.mu.Lock()
	before := l.conv.HandoffAdminID
	prev := l.conv.Status
	if err := l.conv.Transition(to, actor, l.now()); err != nil {
		l.mu.Unlock()
		return err
	}
	changed := prev != l.conv.Status || before != l.conv.HandoffAdminID
	snap := l.conv.Clone()
	fn := l.onChange
	l.mu.Unlock()

	if changed && fn != nil {
		fn(snap, ChangeStatus)
	}
	return nil
}

// ApplyStatus applies a status confirmed by the authority. The confirmed
// handoff admin wins; the only thing refused is moving backward. An OPEN
// conversation never carries a handoff admin, so one reported with OPEN is
// ignored.
func (l *Log) ApplyStatus(status domain.Status, handoffAdminID string) error {
	if status == domain.StatusOpen {
		handoffAdminID = ""
	}
	l.mu.Lock()
	cur := l.conv.Status
	if cur != status && !cur.CanTransition(status) {
		l.mu.Unlock()
		return &domain.InvalidTransitionError{From: cur, To: status}
	}
	changed := cur != status || (handoffAdminID != "" && handoffAdminID != l.conv.HandoffAdminID)
	if !changed {
		l.mu.Unlock()
		return nil
	}
	l.conv.Status = status
	if handoffAdminID != "" {
		l.conv.HandoffAdminID = handoffAdminID
	}
	l.conv.LastUpdated = l.now()
	snap := l.conv.Clone()
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn(snap, ChangeStatus)
	}
	return nil
}

// UpdateLabels changes the descriptive labels while no message exists yet.
func (l *Log) UpdateLabels(customerLabel, problemLabel string) error {
	l.mu.Lock()
	if err := l.conv.UpdateLabels(customerLabel, problemLabel, l.now()); err != nil {
		l.mu.Unlock()
		return err
	}
	snap := l.conv.Clone()
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn(snap, ChangeLabels)
	}
	return nil
}

// Contains reports whether an entry equivalent to m is already stored.
func (l *Log) Contains(m domain.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findDuplicate(m) >= 0
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
