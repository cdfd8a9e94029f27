package streaming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingWriter struct {
	mu        sync.Mutex
	lines     map[string][]string
	streaming map[string]bool
	toggles   []bool
	failOn    string
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{lines: map[string][]string{}, streaming: map[string]bool{}}
}

func (w *recordingWriter) AppendStreamLine(_, cellID, line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if line == w.failOn {
		return errors.New("write failed")
	}
	w.lines[cellID] = append(w.lines[cellID], line)
	return nil
}

func (w *recordingWriter) SetStreaming(_, cellID string, streaming bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.streaming[cellID] = streaming
	w.toggles = append(w.toggles, streaming)
	return nil
}

func (w *recordingWriter) snapshot(cellID string) ([]string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines[cellID]...), w.streaming[cellID]
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func TestReporter_StreamLinesInOrder(t *testing.T) {
	w := newRecordingWriter()
	r := NewReporter(w, nil, nil)

	done := r.StreamLines(context.Background(), "s1", "c1", []string{"one", "two", "three"}, time.Millisecond)
	waitDone(t, done)

	lines, streaming := w.snapshot("c1")
	assert.Equal(t, []string{"one", "two", "three"}, lines)
	assert.False(t, streaming)
	assert.Equal(t, []bool{true, false}, w.toggles)
}

func TestReporter_StreamLinesDoesNotBlockCaller(t *testing.T) {
	w := newRecordingWriter()
	r := NewReporter(w, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	done := r.StreamLines(ctx, "s1", "c1", []string{"a", "b", "c", "d"}, time.Hour)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	cancel()
	waitDone(t, done)

	lines, streaming := w.snapshot("c1")
	assert.LessOrEqual(t, len(lines), 1)
	assert.False(t, streaming, "cancellation must clear the streaming flag")
}

func TestReporter_FeedSkipsFailedWrites(t *testing.T) {
	w := newRecordingWriter()
	w.failOn = "bad"
	hub := NewHub()
	sub := hub.Subscribe("s1")
	defer hub.Unsubscribe("s1", sub)

	r := NewReporter(w, hub, nil)
	src := make(chan string, 3)
	src <- "good"
	src <- "bad"
	src <- "fine"
	close(src)

	waitDone(t, r.Feed(context.Background(), "s1", "c1", src))

	lines, _ := w.snapshot("c1")
	assert.Equal(t, []string{"good", "fine"}, lines)

	var streamEvents int
	for len(sub) > 0 {
		ev := <-sub
		if ev.Type == EventStreamLine {
			streamEvents++
		}
	}
	assert.Equal(t, 2, streamEvents)
}

func TestHub_PublishIsPerSession(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("a")
	b := hub.Subscribe("b")

	hub.Publish(Event{Type: EventCellAppended, SessionID: "a", CellID: "c1"})

	require.Len(t, a, 1)
	assert.Len(t, b, 0)
	ev := <-a
	assert.Equal(t, "c1", ev.CellID)
	assert.False(t, ev.Time.IsZero())

	hub.Unsubscribe("a", a)
	assert.Equal(t, 0, hub.Subscribers("a"))
	hub.Close()
	_, open := <-b
	assert.False(t, open)
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe("s")
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(Event{Type: EventStreamLine, SessionID: "s"})
	}
	assert.Len(t, ch, subscriberBuffer)
	hub.Unsubscribe("s", ch)
}
