package auditlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/db"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppend_AssignsSequence(t *testing.T) {
	l := New(nil, discardLogger())
	ctx := context.Background()

	first := l.Append(ctx, "run-1", SeverityInfo, "uploading materials")
	second := l.Append(ctx, "run-1", SeveritySuccess, "materials uploaded")
	other := l.Append(ctx, "run-2", SeverityInfo, "uploading materials")

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, int64(1), other.Seq, "sequence is per run")
	assert.False(t, second.Time.Before(first.Time))

	entries := l.List(ctx, "run-1")
	require.Len(t, entries, 2)
	assert.Equal(t, "materials uploaded", entries[1].Message)
	assert.Equal(t, SeveritySuccess, entries[1].Severity)
}

func TestList_ReturnsCopy(t *testing.T) {
	l := New(nil, discardLogger())
	ctx := context.Background()
	l.Append(ctx, "run-1", SeverityInfo, "original")

	entries := l.List(ctx, "run-1")
	entries[0].Message = "tampered"

	assert.Equal(t, "original", l.List(ctx, "run-1")[0].Message)
}

func TestLast(t *testing.T) {
	l := New(nil, discardLogger())
	ctx := context.Background()

	_, ok := l.Last(ctx, "missing")
	assert.False(t, ok)

	l.Append(ctx, "run-1", SeverityInfo, "a")
	l.Appendf(ctx, "run-1", SeverityError, "generation failed: %s", "boom")

	last, ok := l.Last(ctx, "run-1")
	require.True(t, ok)
	assert.Equal(t, SeverityError, last.Severity)
	assert.Equal(t, "generation failed: boom", last.Message)
}

func TestAppend_OrderUnderConcurrentRuns(t *testing.T) {
	l := New(nil, discardLogger())
	ctx := context.Background()

	const runs, perRun = 8, 50
	var wg sync.WaitGroup
	for r := 0; r < runs; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			id := fmt.Sprintf("run-%d", r)
			for i := 0; i < perRun; i++ {
				l.Append(ctx, id, SeverityInfo, fmt.Sprintf("step %d", i))
			}
		}(r)
	}
	wg.Wait()

	for r := 0; r < runs; r++ {
		entries := l.List(ctx, fmt.Sprintf("run-%d", r))
		require.Len(t, entries, perRun)
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Seq)
			assert.Equal(t, fmt.Sprintf("step %d", i), e.Message)
		}
	}
}

func TestSubscribe_ReceivesBacklogAndUpdates(t *testing.T) {
	l := New(nil, discardLogger())
	ctx := context.Background()
	l.Append(ctx, "run-1", SeverityInfo, "before")

	backlog, updates, cancel := l.Subscribe(ctx, "run-1")
	defer cancel()

	require.Len(t, backlog, 1)
	assert.Equal(t, "before", backlog[0].Message)

	l.Append(ctx, "run-1", SeverityInfo, "after")
	l.Append(ctx, "run-2", SeverityInfo, "other run")

	select {
	case e := <-updates:
		assert.Equal(t, "after", e.Message)
		assert.Equal(t, int64(2), e.Seq)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	select {
	case e := <-updates:
		t.Fatalf("unexpected entry from another run: %+v", e)
	default:
	}
}

func TestSubscribe_SlowObserverDoesNotBlock(t *testing.T) {
	l := New(nil, discardLogger())
	ctx := context.Background()

	_, _, cancel := l.Subscribe(ctx, "run-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultSubscriberBuffer*3; i++ {
			l.Append(ctx, "run-1", SeverityInfo, "tick")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked on a slow subscriber")
	}
	assert.Len(t, l.List(ctx, "run-1"), defaultSubscriberBuffer*3)
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	l := New(nil, discardLogger())
	_, updates, cancel := l.Subscribe(context.Background(), "run-1")

	cancel()
	cancel()

	_, open := <-updates
	assert.False(t, open)
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity("warning")
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, s)

	_, err = ParseSeverity("fatal")
	assert.Error(t, err)
}

func TestSQLiteSink_PersistsAndReloads(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = database.Conn().Exec(
		`INSERT INTO runs (id, stage, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		"run-1", "not_started", now, now,
	)
	require.NoError(t, err)

	sink := NewSQLiteSink(database.Conn())
	first := New(sink, discardLogger())
	first.Append(ctx, "run-1", SeverityInfo, "uploading materials")
	first.Append(ctx, "run-1", SeverityWarning, "trend unavailable")

	// a fresh Log simulates a restart
	second := New(sink, discardLogger())
	entries := second.List(ctx, "run-1")
	require.Len(t, entries, 2)
	assert.Equal(t, SeverityWarning, entries[1].Severity)
	assert.Equal(t, "trend unavailable", entries[1].Message)

	next := second.Append(ctx, "run-1", SeverityInfo, "resumed")
	assert.Equal(t, int64(3), next.Seq)
}
