package reminders

import (
	"context"
	"sort"
	"sync"
	"time"

	"wellness-planner/internal/logger"
	"wellness-planner/internal/plan"
)

// Mode selects how many reminders Schedule arms.
type Mode int

const (
	// ModeAll arms a reminder for every open future item.
	ModeAll Mode = iota
	// ModeNext arms only the earliest one.
	ModeNext
)

// Reminder is a pending nudge for one plan item.
type Reminder struct {
	Date   string
	ItemID string
	Type   plan.ItemType
	Title  string
	At     time.Time
}

// Notifier delivers a reminder once it is due.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

// LogNotifier writes due reminders to the log.
type LogNotifier struct {
	Log *logger.Logger
}

func (n LogNotifier) Notify(ctx context.Context, r Reminder) error {
	n.Log.Info("reminder due", "date", r.Date, "item", r.ItemID, "type", r.Type, "title", r.Title)
	return nil
}

type stopper interface {
	Stop() bool
}

type entry struct {
	reminder Reminder
	timer    stopper
}

// Scheduler keeps one timer per reminded item.
type Scheduler struct {
	notifier  Notifier
	log       *logger.Logger
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper

	mu      sync.Mutex
	entries map[string]*entry
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithNow overrides the scheduler's clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler that delivers through notifier.
func NewScheduler(notifier Notifier, log *logger.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	s := &Scheduler{
		notifier: notifier,
		log:      log.With("component", "Reminders"),
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule replaces the reminders armed for p's date. Acted-upon, missed and
// past items get none. It returns the number of reminders armed.
func (s *Scheduler) Schedule(ctx context.Context, p *plan.DailyPlan, mode Mode) (int, error) {
	if p == nil {
		return 0, nil
	}
	now := s.now()

	var due []Reminder
	for _, it := range p.Items {
		if !it.Open() {
			continue
		}
		at := it.ReminderAt()
		if !at.After(now) {
			continue
		}
		due = append(due, Reminder{Date: p.Date, ItemID: it.ID, Type: it.Type, Title: it.Title, At: at})
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })
	if mode == ModeNext && len(due) > 1 {
		due = due[:1]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.reminder.Date == p.Date {
			e.timer.Stop()
			delete(s.entries, key)
		}
	}
	for _, r := range due {
		s.arm(r, now)
	}
	s.log.Debug("reminders scheduled", "date", p.Date, "count", len(due))
	return len(due), nil
}

// arm must be called with s.mu held.
func (s *Scheduler) arm(r Reminder, now time.Time) {
	key := r.Date + "/" + r.ItemID
	e := &entry{reminder: r}
	e.timer = s.afterFunc(r.At.Sub(now), func() { s.fire(key, e) })
	s.entries[key] = e
}

func (s *Scheduler) fire(key string, e *entry) {
	s.mu.Lock()
	current, ok := s.entries[key]
	if !ok || current != e {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	s.mu.Unlock()

	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.Background(), e.reminder); err != nil {
		s.log.Warn("failed to deliver reminder", "item", e.reminder.ItemID, "error", err)
	}
}

// Clear cancels every pending reminder for items of type t.
func (s *Scheduler) Clear(t plan.ItemType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.reminder.Type == t {
			e.timer.Stop()
			delete(s.entries, key)
		}
	}
}

// Pending lists armed reminders ordered by due time.
func (s *Scheduler) Pending() []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reminder, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.reminder)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Stop cancels all pending reminders.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
}
