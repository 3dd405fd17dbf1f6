package lifecycle

import (
	"context"
	"log/slog"

	"github.com/carevue/sessionhub/pkg/session"
)

// Notifier is the downstream notification dispatcher (email/SMS lives
// behind it). It is invoked fire-and-forget after a successful transition;
// its failure never rolls back or blocks the transition.
type Notifier interface {
	Notify(ctx context.Context, ev session.Event, snapshot session.Session) error
}

// NotifyHook adapts a Notifier into a post-transition hook.
func NotifyHook(n Notifier) Hook {
	return func(ctx context.Context, ev session.Event, snapshot session.Session) error {
		return n.Notify(ctx, ev, snapshot)
	}
}

// LogNotifier is the default dispatcher: it records who would have been
// notified. Real delivery channels plug in behind the Notifier interface.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notifier"))}
}

func (n *LogNotifier) Notify(_ context.Context, ev session.Event, snapshot session.Session) error {
	n.logger.Info("notification dispatched",
		slog.String("sessionID", ev.SessionID),
		slog.String("type", string(ev.Type)),
		slog.String("providerID", snapshot.ProviderID),
		slog.String("patientID", snapshot.PatientID),
	)
	return nil
}
