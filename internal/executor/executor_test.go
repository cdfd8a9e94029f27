package executor

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestParseProgress(t *testing.T) {
	p, ok := ParseProgress("STEP 2/5: cleaned rows")
	require.True(t, ok)
	assert.Equal(t, Progress{Step: 2, Total: 5, Message: "cleaned rows"}, p)

	p, ok = ParseProgress("  STEP 1 / 3 loading")
	require.True(t, ok)
	assert.Equal(t, 3, p.Total)

	_, ok = ParseProgress("no progress here")
	assert.False(t, ok)
	_, ok = ParseProgress("MISSTEP 1/2: x")
	assert.False(t, ok)
	_, ok = ParseProgress("STEP 1/0: x")
	assert.False(t, ok)
}

func TestCountSteps(t *testing.T) {
	code := `
print("STEP 1/3: load")
print("STEP 2/3: clean")
print("STEP 3/3: fit")
`
	assert.Equal(t, 3, CountSteps(code))
	assert.Equal(t, 1, CountSteps("print('hello')"))
}

func TestParseSummary(t *testing.T) {
	s, ok := ParseSummary("SUMMARY: 120 rows, mean sleep 6.9h")
	require.True(t, ok)
	assert.Equal(t, "120 rows, mean sleep 6.9h", s)

	_, ok = ParseSummary("summary lowercase")
	assert.False(t, ok)
}

func TestPythonExecutor_StreamsLines(t *testing.T) {
	requireShell(t)
	ex := NewPythonExecutor("sh", t.TempDir(), 10*time.Second, nil)

	var mu sync.Mutex
	var seen []string
	result, err := ex.Execute(context.Background(), Request{
		SessionID: "s1",
		CellID:    "c1",
		Code:      "echo 'STEP 1/2: load'\necho 'STEP 2/2: fit'\necho 'SUMMARY: r=0.4'\n",
		OnLine: func(line string) {
			mu.Lock()
			seen = append(seen, line)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "r=0.4", result.DataSummary)
	assert.Equal(t, []string{"STEP 1/2: load", "STEP 2/2: fit", "SUMMARY: r=0.4"}, seen)
	assert.Equal(t, seen, result.Logs)
	assert.Contains(t, result.Stdout, "STEP 2/2: fit\n")
}

func TestPythonExecutor_FailingScript(t *testing.T) {
	requireShell(t)
	ex := NewPythonExecutor("sh", t.TempDir(), 10*time.Second, nil)

	result, err := ex.Execute(context.Background(), Request{
		SessionID: "s1",
		CellID:    "c1",
		Code:      "echo partial\necho 'division by zero' >&2\nexit 3\n",
	})
	require.NoError(t, err, "a script failure is a result, not an error")
	assert.False(t, result.Success)
	assert.Contains(t, result.Stderr, "division by zero")
	assert.Equal(t, "partial\n", result.Stdout)
}

func TestPythonExecutor_Cancellation(t *testing.T) {
	requireShell(t)
	ex := NewPythonExecutor("sh", t.TempDir(), 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ex.Execute(ctx, Request{SessionID: "s1", CellID: "c1", Code: "exec sleep 5\n"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestPythonExecutor_MissingInterpreter(t *testing.T) {
	ex := NewPythonExecutor("definitely-not-an-interpreter", t.TempDir(), 0, nil)
	_, err := ex.Execute(context.Background(), Request{SessionID: "s", CellID: "c", Code: "print(1)"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPythonExecutor_EmptyCode(t *testing.T) {
	ex := NewPythonExecutor("sh", t.TempDir(), 0, nil)
	_, err := ex.Execute(context.Background(), Request{Code: "   "})
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a_b-c", sanitize("a/b-c"))
	assert.Equal(t, "default", sanitize(""))
}
