package dispatch

import (
	"context"
	"log/slog"
)

// LogTransport writes messages to the log instead of a chat. Used for
// local runs without a bot token.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(_ context.Context, chatID, content string) error {
	t.logger.Info("chat message", "chat_id", chatID, "content", content)
	return nil
}
