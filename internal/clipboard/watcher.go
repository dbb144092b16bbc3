package clipboard

import (
	"context"
	"log/slog"
	"time"

	"github.com/postalsys/clipmesh-agent/internal/recovery"
)

// Watcher polls a Clipboard at a fixed interval and invokes a callback
// whenever the content changes and is non-empty. Non-empty is required so
// a system that reports a transient empty clipboard (e.g. mid-copy on some
// platforms) does not trigger a broadcast of nothing.
type Watcher struct {
	clipboard Clipboard
	interval  time.Duration
	logger    *slog.Logger
}

// NewWatcher builds a Watcher that polls clip every interval.
func NewWatcher(clip Clipboard, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{clipboard: clip, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled, invoking onChange for every new
// non-empty value observed. Read errors are logged and skipped rather
// than treated as fatal, since a transient clipboard-access failure
// (e.g. another process holding the clipboard) should not bring down the
// sync loop.
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) {
	defer recovery.RecoverWithLog(w.logger, "clipboard.Watcher.Run")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			content, err := w.clipboard.Get()
			if err != nil {
				w.logger.Warn("clipboard read failed", "error", err)
				continue
			}
			if content == "" || content == last {
				continue
			}
			last = content
			onChange(content)
		}
	}
}
