package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/research-assistant/internal/streaming"
	"github.com/jonathan/research-assistant/internal/types"
)

// sseEvent is one parsed event from a stream
type sseEvent struct {
	name string
	data string
}

// readEvents parses events from body until it closes, skipping comments
func readEvents(body *bufio.Scanner, out chan<- sseEvent) {
	defer close(out)
	var ev sseEvent
	for body.Scan() {
		line := body.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			out <- ev
			ev = sseEvent{}
		}
	}
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func TestHandleEvents(t *testing.T) {
	hub := streaming.NewHub()
	s := newTestServer(t, newFakeEngine(codeSession()), func(c *Config) { c.Events = hub })
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/s1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go readEvents(bufio.NewScanner(resp.Body), events)

	first := nextEvent(t, events)
	assert.Equal(t, snapshotEvent, first.name)
	var session types.Session
	require.NoError(t, json.Unmarshal([]byte(first.data), &session))
	assert.Equal(t, "s1", session.ID)

	require.Eventually(t, func() bool { return hub.Subscribers("s1") == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(streaming.Event{Type: streaming.EventStreamLine, SessionID: "s1", CellID: "code", Data: "STEP 1/2: load"})
	hub.Publish(streaming.Event{Type: streaming.EventStreamLine, SessionID: "other", CellID: "x"})

	ev := nextEvent(t, events)
	assert.Equal(t, string(streaming.EventStreamLine), ev.name)
	var got streaming.Event
	require.NoError(t, json.Unmarshal([]byte(ev.data), &got))
	assert.Equal(t, "code", got.CellID)
	assert.Equal(t, "STEP 1/2: load", got.Data)

	// disconnecting unsubscribes
	cancel()
	assert.Eventually(t, func() bool { return hub.Subscribers("s1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandleEvents_HubClosed(t *testing.T) {
	hub := streaming.NewHub()
	s := newTestServer(t, newFakeEngine(codeSession()), func(c *Config) { c.Events = hub })
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/s1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan sseEvent, 16)
	go readEvents(bufio.NewScanner(resp.Body), events)
	assert.Equal(t, snapshotEvent, nextEvent(t, events).name)

	require.Eventually(t, func() bool { return hub.Subscribers("s1") == 1 }, time.Second, 10*time.Millisecond)
	hub.Close()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream ends when the hub closes")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestHandleEvents_UnknownSession(t *testing.T) {
	s := newTestServer(t, newFakeEngine())
	w := do(t, s, http.MethodGet, "/sessions/nope/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleEvents_NotConfigured(t *testing.T) {
	s := newTestServer(t, newFakeEngine(codeSession()), func(c *Config) { c.Events = nil })
	w := do(t, s, http.MethodGet, "/sessions/s1/events", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
