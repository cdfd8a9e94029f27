// Package llmtest provides a scripted llm.Client for tests.
// Responses are keyed by the stage named in each prompt's STAGE line.
package llmtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonathan/research-assistant/internal/llm"
)

// Call records one request made to the client
type Call struct {
	Stage  string
	Prompt string
	Tier   llm.ModelTier
}

// Scripted returns canned responses per stage. The last queued response for a
// stage repeats once the queue is drained.
type Scripted struct {
	mu        sync.Mutex
	responses map[string][]string
	errs      map[string]error
	delays    map[string]time.Duration
	fallback  string
	calls     []Call
}

// New creates an empty scripted client
func New() *Scripted {
	return &Scripted{
		responses: make(map[string][]string),
		errs:      make(map[string]error),
		delays:    make(map[string]time.Duration),
	}
}

// On queues a response for stage
func (s *Scripted) On(stage, response string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[stage] = append(s.responses[stage], response)
	return s
}

// Fail makes every call for stage return err until Recover is called
func (s *Scripted) Fail(stage string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[stage] = err
	return s
}

// Recover clears a failure set by Fail
func (s *Scripted) Recover(stage string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errs, stage)
	return s
}

// Delay makes calls for stage wait d before answering, or until ctx is done
func (s *Scripted) Delay(stage string, d time.Duration) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[stage] = d
	return s
}

// Fallback sets the response for stages without a script
func (s *Scripted) Fallback(response string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = response
	return s
}

// Calls returns the recorded calls for stage, or all calls when stage is ""
func (s *Scripted) Calls(stage string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if stage == "" || c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

// LastPrompt returns the most recent prompt sent for stage
func (s *Scripted) LastPrompt(stage string) string {
	calls := s.Calls(stage)
	if len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1].Prompt
}

// GenerateContent answers from the script
func (s *Scripted) GenerateContent(ctx context.Context, prompt string, tier llm.ModelTier) (string, error) {
	return s.answer(ctx, prompt, tier)
}

// GenerateJSON answers from the script
func (s *Scripted) GenerateJSON(ctx context.Context, prompt string, tier llm.ModelTier) (string, error) {
	out, err := s.answer(ctx, prompt, tier)
	if err != nil {
		return "", err
	}
	return llm.CleanJSONBlock(out), nil
}

// GetModel returns a fixed model name per tier
func (s *Scripted) GetModel(tier llm.ModelTier) string {
	return "scripted-" + string(tier)
}

// Close is a no-op
func (s *Scripted) Close() error {
	return nil
}

func (s *Scripted) answer(ctx context.Context, prompt string, tier llm.ModelTier) (string, error) {
	stage := llm.StageOf(prompt)

	s.mu.Lock()
	s.calls = append(s.calls, Call{Stage: stage, Prompt: prompt, Tier: tier})
	delay := s.delays[stage]
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[stage]; err != nil {
		return "", err
	}
	queue := s.responses[stage]
	switch len(queue) {
	case 0:
		if s.fallback != "" {
			return s.fallback, nil
		}
		return "", fmt.Errorf("no scripted response for stage %q", stage)
	case 1:
		return queue[0], nil
	default:
		s.responses[stage] = queue[1:]
		return queue[0], nil
	}
}
