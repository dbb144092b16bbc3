package supervisor

import "log/slog"

// Notifier is told about connectivity transitions observed by the
// supervisor. The desktop-toast and other user-facing presentations of
// these events are out of scope; the default implementation only logs.
type Notifier interface {
	Connected(nodeID string)
	Disconnected()
	StartedOffline()
}

// LoggingNotifier is the default Notifier: it logs every transition at
// info level and does nothing else.
type LoggingNotifier struct {
	logger *slog.Logger
}

// NewLoggingNotifier builds a Notifier that logs transitions via logger.
func NewLoggingNotifier(logger *slog.Logger) *LoggingNotifier {
	return &LoggingNotifier{logger: logger}
}

func (n *LoggingNotifier) Connected(nodeID string) {
	n.logger.Info("mesh connected", "node_id", nodeID)
}

func (n *LoggingNotifier) Disconnected() {
	n.logger.Info("mesh disconnected")
}

func (n *LoggingNotifier) StartedOffline() {
	n.logger.Info("mesh starting offline, waiting for overlay backend")
}
