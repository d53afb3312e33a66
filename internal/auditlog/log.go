// Package auditlog records the ordered, append-only history of each run.
//
// Entries for one run are numbered by a per-run sequence and are never
// reordered, edited or removed. Observers either List the log or Subscribe
// to receive new entries as they are appended.
package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

type Entry struct {
	RunID    string    `json:"run_id"`
	Seq      int64     `json:"seq"`
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Sink persists entries beyond the life of the process.
type Sink interface {
	WriteEntry(ctx context.Context, e Entry) error
	Entries(ctx context.Context, runID string) ([]Entry, error)
}

const defaultSubscriberBuffer = 64

// Log holds the audit history of every run. Each run has its own lock, so
// appends to different runs never contend beyond the map lookup.
type Log struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	runs map[string]*runLog
}

type runLog struct {
	mu      sync.Mutex
	loaded  bool
	entries []Entry
	subs    map[int]chan Entry
	nextSub int
}

// New creates a Log. sink may be nil for an in-memory log.
func New(sink Sink, logger *slog.Logger) *Log {
	return &Log{
		sink:   sink,
		logger: logger.With("component", "auditlog"),
		now:    time.Now,
		runs:   make(map[string]*runLog),
	}
}

func (l *Log) run(runID string) *runLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.runs[runID]
	if !ok {
		rl = &runLog{subs: make(map[int]chan Entry)}
		l.runs[runID] = rl
	}
	return rl
}

// load pulls persisted entries the first time a run is touched. Caller holds rl.mu.
func (l *Log) load(ctx context.Context, runID string, rl *runLog) {
	if rl.loaded {
		return
	}
	rl.loaded = true
	if l.sink == nil || len(rl.entries) > 0 {
		return
	}
	entries, err := l.sink.Entries(ctx, runID)
	if err != nil {
		l.logger.Warn("failed to load persisted audit entries", "run_id", runID, "error", err)
		return
	}
	rl.entries = entries
}

// Append records one entry and returns it with its sequence number and
// timestamp assigned. Entries of one run are numbered in call order.
func (l *Log) Append(ctx context.Context, runID string, severity Severity, message string) Entry {
	rl := l.run(runID)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l.load(ctx, runID, rl)

	var seq int64 = 1
	if n := len(rl.entries); n > 0 {
		seq = rl.entries[n-1].Seq + 1
	}
	e := Entry{
		RunID:    runID,
		Seq:      seq,
		Time:     l.now().UTC(),
		Severity: severity,
		Message:  message,
	}
	rl.entries = append(rl.entries, e)

	if l.sink != nil {
		if err := l.sink.WriteEntry(ctx, e); err != nil {
			l.logger.Error("failed to persist audit entry", "run_id", runID, "seq", seq, "error", err)
		}
	}

	for _, ch := range rl.subs {
		select {
		case ch <- e:
		default:
			// slow observer; List remains authoritative
		}
	}

	l.logger.Debug("audit entry", "run_id", runID, "seq", seq, "severity", string(severity), "message", message)
	return e
}

// Appendf is Append with fmt formatting.
func (l *Log) Appendf(ctx context.Context, runID string, severity Severity, format string, args ...any) Entry {
	return l.Append(ctx, runID, severity, fmt.Sprintf(format, args...))
}

// List returns a copy of the run's entries in sequence order.
func (l *Log) List(ctx context.Context, runID string) []Entry {
	rl := l.run(runID)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l.load(ctx, runID, rl)
	out := make([]Entry, len(rl.entries))
	copy(out, rl.entries)
	return out
}

// Last returns the most recent entry of a run.
func (l *Log) Last(ctx context.Context, runID string) (Entry, bool) {
	entries := l.List(ctx, runID)
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}

// Subscribe returns a channel receiving entries appended after the call,
// together with the entries already recorded. The cancel func closes the
// channel; it is safe to call more than once.
func (l *Log) Subscribe(ctx context.Context, runID string) (backlog []Entry, updates <-chan Entry, cancel func()) {
	rl := l.run(runID)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l.load(ctx, runID, rl)
	backlog = make([]Entry, len(rl.entries))
	copy(backlog, rl.entries)

	ch := make(chan Entry, defaultSubscriberBuffer)
	id := rl.nextSub
	rl.nextSub++
	rl.subs[id] = ch

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			rl.mu.Lock()
			delete(rl.subs, id)
			close(ch)
			rl.mu.Unlock()
		})
	}
	return backlog, ch, cancel
}
