package kafka

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

// Controller is what remote session commands drive.
type Controller interface {
	Start(ctx context.Context, name string) (string, error)
	Stop(ctx context.Context) error
}

// ListenCommands applies start/stop commands until ctx ends or msgs closes.
// A message is marked only after it was applied.
func ListenCommands(ctx context.Context, msgs <-chan Message, ctrl Controller, logger *zap.SugaredLogger) {
	logger.Info("Commands: listening for Kafka commands")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Commands: shutting down")
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := handleCommand(ctx, msg.Value, ctrl, logger); err != nil {
				// Не подтверждаем сообщение при ошибке обработки
				logger.Warnf("Commands: %v", err)
				continue
			}
			msg.Mark()
		}
	}
}

func handleCommand(ctx context.Context, value []byte, ctrl Controller, logger *zap.SugaredLogger) error {
	var cmd models.SessionCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		return fmt.Errorf("invalid message format: %w", err)
	}
	logger.Infof("Commands: received %s %q", cmd.Action, cmd.SessionName)

	switch cmd.Action {
	case models.CommandStart:
		name, err := ctrl.Start(ctx, cmd.SessionName)
		if err != nil {
			return fmt.Errorf("start %q: %w", cmd.SessionName, err)
		}
		logger.Infof("Commands: session %s started", name)
	case models.CommandStop:
		if err := ctrl.Stop(ctx); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
	default:
		return fmt.Errorf("unknown command: %s", cmd.Action)
	}
	return nil
}
