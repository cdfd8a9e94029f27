package streaming

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CellWriter mutates the stream render state of a single cell.
// Implementations must only touch the addressed cell.
type CellWriter interface {
	AppendStreamLine(sessionID, cellID, line string) error
	SetStreaming(sessionID, cellID string, streaming bool) error
}

// Reporter streams progress lines into cells without blocking the caller
type Reporter struct {
	writer    CellWriter
	publisher Publisher
	logger    *zap.Logger
}

// NewReporter creates a reporter. publisher may be nil.
func NewReporter(writer CellWriter, publisher Publisher, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{writer: writer, publisher: publisher, logger: logger}
}

// StreamLines appends lines to the cell one at a time with delay between them.
// It returns immediately; the returned channel closes once streaming has stopped,
// either because all lines were written or because ctx was cancelled.
func (r *Reporter) StreamLines(ctx context.Context, sessionID, cellID string, lines []string, delay time.Duration) <-chan struct{} {
	src := make(chan string)
	go func() {
		defer close(src)
		for i, line := range lines {
			if i > 0 && delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			select {
			case src <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return r.Feed(ctx, sessionID, cellID, src)
}

// Feed appends every line received from lines until the channel closes or ctx is done
func (r *Reporter) Feed(ctx context.Context, sessionID, cellID string, lines <-chan string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.setStreaming(sessionID, cellID, true)
		defer r.setStreaming(sessionID, cellID, false)

		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				if err := r.writer.AppendStreamLine(sessionID, cellID, line); err != nil {
					r.logger.Warn("failed to append stream line",
						zap.String("session_id", sessionID),
						zap.String("cell_id", cellID),
						zap.Error(err))
					continue
				}
				r.publish(Event{Type: EventStreamLine, SessionID: sessionID, CellID: cellID, Data: line})
			}
		}
	}()
	return done
}

func (r *Reporter) setStreaming(sessionID, cellID string, streaming bool) {
	if err := r.writer.SetStreaming(sessionID, cellID, streaming); err != nil {
		r.logger.Warn("failed to update streaming flag",
			zap.String("session_id", sessionID),
			zap.String("cell_id", cellID),
			zap.Bool("streaming", streaming),
			zap.Error(err))
		return
	}
	r.publish(Event{
		Type:      EventCellUpdated,
		SessionID: sessionID,
		CellID:    cellID,
		Data:      map[string]bool{"is_streaming": streaming},
	})
}

func (r *Reporter) publish(event Event) {
	if r.publisher != nil {
		r.publisher.Publish(event)
	}
}
