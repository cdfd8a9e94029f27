package orchestrator

import (
	"time"

	"github.com/jonathan/research-assistant/internal/types"
)

// RecoverStuck force-completes cells left active or pending for longer than
// stuckAfter. Kinds that stream progress are left alone since they may still
// be working. It returns the ids of the recovered cells.
func RecoverStuck(session *types.Session, now time.Time, stuckAfter time.Duration) []string {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	var recovered []string
	for i := range session.Cells {
		c := &session.Cells[i]
		if c.Status != types.StatusActive && c.Status != types.StatusPending {
			continue
		}
		if !c.Kind.RecoverableWhenStuck() || now.Sub(c.Timestamp) <= stuckAfter {
			continue
		}
		c.Status = types.StatusCompleted
		c.Stream.IsStreaming = false
		recovered = append(recovered, c.ID)
	}
	return recovered
}
