package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/research-assistant/internal/types"
)

// maxLineBytes bounds a single stdout line
const maxLineBytes = 1 << 20

// PythonExecutor runs code with a local interpreter in a per-session working directory
type PythonExecutor struct {
	Interpreter string
	WorkDir     string
	Timeout     time.Duration
	Logger      *zap.Logger
}

// NewPythonExecutor creates an executor. An empty interpreter defaults to python3.
func NewPythonExecutor(interpreter, workDir string, timeout time.Duration, logger *zap.Logger) *PythonExecutor {
	if interpreter == "" {
		interpreter = "python3"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PythonExecutor{Interpreter: interpreter, WorkDir: workDir, Timeout: timeout, Logger: logger}
}

// Execute writes the code to a script file and runs it
func (p *PythonExecutor) Execute(ctx context.Context, req Request) (*types.ExecutionResult, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, errors.New("no code to execute")
	}
	interpreter, err := exec.LookPath(p.Interpreter)
	if err != nil {
		return nil, fmt.Errorf("interpreter %q not found: %w", p.Interpreter, err)
	}

	dir, err := p.sessionDir(req.SessionID)
	if err != nil {
		return nil, err
	}
	script := filepath.Join(dir, "cell-"+sanitize(req.CellID)+".py")
	if err := os.WriteFile(script, []byte(req.Code), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, interpreter, script)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	p.Logger.Debug("starting script",
		zap.String("session_id", req.SessionID),
		zap.String("cell_id", req.CellID),
		zap.String("script", script))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start interpreter: %w", err)
	}

	result := &types.ExecutionResult{}
	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		result.Logs = append(result.Logs, line)
		if summary, ok := ParseSummary(line); ok {
			result.DataSummary = summary
		}
		if req.OnLine != nil {
			req.OnLine(line)
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	result.Stdout = out.String()
	result.Stderr = stderr.String()
	result.ExecutionTimeMs = time.Since(start).Milliseconds()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("execution aborted: %w", ctxErr)
	}
	if scanErr != nil {
		return result, fmt.Errorf("failed to read script output: %w", scanErr)
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.Success = true
	case errors.As(waitErr, &exitErr):
		result.Success = false
		if result.Stderr == "" {
			result.Stderr = exitErr.Error()
		}
	default:
		return result, fmt.Errorf("failed to wait for interpreter: %w", waitErr)
	}

	p.Logger.Debug("script finished",
		zap.String("cell_id", req.CellID),
		zap.Bool("success", result.Success),
		zap.Int64("execution_time_ms", result.ExecutionTimeMs))
	return result, nil
}

func (p *PythonExecutor) sessionDir(sessionID string) (string, error) {
	base := p.WorkDir
	if base == "" {
		base = filepath.Join(os.TempDir(), "research-assistant")
	}
	dir := filepath.Join(base, sanitize(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}
	return dir, nil
}

// sanitize keeps ids safe for use as path components
func sanitize(id string) string {
	if id == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
