package notify

import (
	"log/slog"

	"github.com/gen2brain/beeep"
)

// Payload is a generic user-facing notification payload.
type Payload struct {
	Title   string
	Content string
}

// Sender sends notifications using a platform-specific backend.
type Sender interface {
	Send(payload Payload)
}

// BeeepSender delivers notifications through the desktop notification
// daemon. Failures are logged and swallowed; notifications are best effort.
type BeeepSender struct {
	appName string
	logger  *slog.Logger
}

func NewBeeepSender(appName string, logger *slog.Logger) *BeeepSender {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	return &BeeepSender{appName: appName, logger: logger}
}

func (s *BeeepSender) Send(payload Payload) {
	beeep.AppName = s.appName
	if err := beeep.Notify(payload.Title, payload.Content, ""); err != nil {
		s.logger.Warn("desktop notification failed", "title", payload.Title, "error", err)
	}
}
