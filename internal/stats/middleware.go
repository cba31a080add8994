package stats

import (
	"context"
	"time"

	"github.com/qbot-ai/qbot/internal/logging"
	"github.com/qbot-ai/qbot/internal/runtime"
)

// Middleware returns a Handler that records one turn record per activity
// after delegating to next. Recording failures are logged, never surfaced,
// so stats can never break a conversation.
func Middleware(next runtime.Handler, tracker *Tracker, channel string) runtime.Handler {
	return &recordingHandler{next: next, tracker: tracker, channel: channel}
}

type recordingHandler struct {
	next    runtime.Handler
	tracker *Tracker
	channel string
}

func (h *recordingHandler) HandleActivity(ctx context.Context, w runtime.ResponseWriter, activity *runtime.Activity) error {
	start := time.Now()
	err := h.next.HandleActivity(ctx, w, activity)

	if h.tracker != nil && activity != nil {
		rec := Record{
			Timestamp:  start,
			Channel:    h.channel,
			Kind:       activity.Kind,
			OK:         err == nil,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if appendErr := h.tracker.Append(ctx, rec); appendErr != nil {
			logging.Logger().Warn("failed to record turn", "channel", h.channel, "err", appendErr)
		}
	}

	return err
}
