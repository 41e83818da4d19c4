package server

import (
	"context"
	"log/slog"
)

// AIForwarder receives ai-interaction-update control messages. The AI
// collaborator lives outside the sync core; this is only the handoff
// point. Forward errors are logged and never terminate a session.
type AIForwarder interface {
	Forward(ctx context.Context, roomID, userID string, payload []byte) error
}

type noopForwarder struct {
	logger *slog.Logger
}

func (f *noopForwarder) Forward(_ context.Context, roomID, userID string, payload []byte) error {
	f.logger.Debug("ai interaction dropped, no forwarder configured",
		"room_id", roomID,
		"user_id", userID,
		"size", len(payload))
	return nil
}
