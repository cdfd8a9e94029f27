package threads

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jonathan/research-assistant/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTracker_CreateAndComplete(t *testing.T) {
	tr := New()

	id, err := tr.Create("cell-1", 3)
	require.NoError(t, err)
	assert.Equal(t, id, tr.Active())
	assert.True(t, tr.AnyRunning())

	require.NoError(t, tr.Update(id, ProgressUpdate{CurrentStep: 1, StepResult: "loaded"}))
	require.NoError(t, tr.Update(id, ProgressUpdate{CurrentStep: 2, StepResult: "cleaned"}))

	finished, err := tr.Complete(id, []string{"done"}, "")
	require.NoError(t, err)
	assert.True(t, finished)

	th, ok := tr.StatusOf("cell-1")
	require.True(t, ok)
	assert.Equal(t, types.ThreadCompleted, th.Status)
	assert.Equal(t, 3, th.Progress.CurrentStep)
	assert.Equal(t, []string{"loaded", "cleaned", "done"}, th.Progress.StepResults)
	require.NotNil(t, th.EndTime)
	assert.False(t, th.EndTime.Before(th.StartTime))
	assert.Empty(t, tr.Active())
	assert.False(t, tr.AnyRunning())
}

func TestTracker_CompleteWithErrorMessage(t *testing.T) {
	tr := New()
	id, err := tr.Create("cell-1", 1)
	require.NoError(t, err)

	_, err = tr.Complete(id, nil, "ZeroDivisionError")
	require.NoError(t, err)

	th, _ := tr.Get(id)
	assert.Equal(t, types.ThreadError, th.Status)
	assert.Equal(t, "ZeroDivisionError", th.Error)

	finished, err := tr.Complete(id, nil, "")
	require.NoError(t, err)
	assert.False(t, finished, "second completion must be a no-op")
	th, _ = tr.Get(id)
	assert.Equal(t, types.ThreadError, th.Status)
}

func TestTracker_AtMostOneRunningThreadPerCell(t *testing.T) {
	tr := New()

	first, err := tr.Create("cell-1", 1)
	require.NoError(t, err)

	_, err = tr.Create("cell-1", 1)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	other, err := tr.Create("cell-2", 1)
	require.NoError(t, err, "other cells are independent")
	assert.NotEqual(t, first, other)

	_, err = tr.Complete(first, nil, "")
	require.NoError(t, err)

	second, err := tr.Create("cell-1", 1)
	require.NoError(t, err, "a finished cell may be run again")
	assert.NotEqual(t, first, second)
}

func TestTracker_ConcurrentCreateKeepsInvariant(t *testing.T) {
	tr := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Create("cell-1", 1); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, tr.Running(), 1)
}

func TestTracker_DoneChannel(t *testing.T) {
	tr := New()
	id, err := tr.Create("cell-1", 1)
	require.NoError(t, err)

	done := tr.Done(id)
	select {
	case <-done:
		t.Fatal("done closed before completion")
	default:
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = tr.Complete(id, nil, "")
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after completion")
	}

	select {
	case <-tr.Done("unknown"):
	default:
		t.Fatal("unknown thread should yield a closed channel")
	}
}

func TestTracker_CancelInvokesCancelFunc(t *testing.T) {
	tr := New()
	id, err := tr.Create("cell-1", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tr.Attach(id, cancel)

	assert.True(t, tr.CancelCell("cell-1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	th, _ := tr.Get(id)
	assert.Equal(t, types.ThreadError, th.Status)
	assert.Equal(t, ErrMsgCancelled, th.Error)
	assert.False(t, tr.Cancel(id), "cancelling a finished thread is a no-op")
}

func TestTracker_CancelAll(t *testing.T) {
	tr := New()
	_, err := tr.Create("a", 1)
	require.NoError(t, err)
	_, err = tr.Create("b", 1)
	require.NoError(t, err)

	assert.Equal(t, 2, tr.CancelAll())
	assert.False(t, tr.AnyRunning())
}

func TestTracker_RestoreMarksRunningInterrupted(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := New(WithClock(func() time.Time { return start.Add(time.Minute) }))

	interrupted := tr.Restore(map[string]*types.ExecutionThread{
		"old": {ID: "old", CellID: "c1", Status: types.ThreadCompleted, StartTime: start},
		"new": {ID: "new", CellID: "c1", Status: types.ThreadRunning, StartTime: start.Add(time.Second)},
	})
	assert.Equal(t, []string{"new"}, interrupted)

	th, ok := tr.StatusOf("c1")
	require.True(t, ok)
	assert.Equal(t, "new", th.ID)
	assert.Equal(t, types.ThreadError, th.Status)
	assert.Equal(t, ErrMsgInterrupted, th.Error)
	assert.False(t, tr.AnyRunning())

	_, err := tr.Create("c1", 1)
	assert.NoError(t, err)
}

func TestTracker_ChangeFuncReceivesCopies(t *testing.T) {
	var mu sync.Mutex
	var seen []types.ThreadStatus
	tr := New(WithChangeFunc(func(th types.ExecutionThread) {
		mu.Lock()
		seen = append(seen, th.Status)
		mu.Unlock()
	}))

	id, err := tr.Create("cell-1", 1)
	require.NoError(t, err)
	_, err = tr.Complete(id, nil, "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.ThreadStatus{types.ThreadRunning, types.ThreadCompleted}, seen)
}

func TestTracker_UpdateUnknownThread(t *testing.T) {
	tr := New()
	err := tr.Update("missing", ProgressUpdate{CurrentStep: 1})
	assert.ErrorIs(t, err, ErrThreadNotFound)
}
