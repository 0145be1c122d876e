package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dshills/toolbridge/internal/settings"
)

// ShouldNotify reports whether a message of the given severity passes
// the show_notifications policy.
func ShouldNotify(policy string, t MessageType) bool {
	switch policy {
	case settings.NotifyAlways:
		return t == MessageError || t == MessageWarning || t == MessageInfo
	case settings.NotifyOnWarning:
		return t == MessageError || t == MessageWarning
	case settings.NotifyOnError:
		return t == MessageError
	default:
		return false
	}
}

// RegisterMessageHandlers wires the tool's window/logMessage and
// window/showMessage notifications onto a session. Log messages always
// land in the logger; show messages additionally reach the notifier
// when the policy allows the severity. policy is read per message so a
// settings change takes effect without a restart.
func RegisterMessageHandlers(s *Session, logger *slog.Logger, notifier Notifier, policy func() string) {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(MessageType, string) {})
	}

	s.HandleNotification(MethodLogMessage, func(_ context.Context, raw json.RawMessage) {
		var params LogMessageParams
		if err := json.Unmarshal(raw, &params); err != nil {
			logger.Warn("malformed logMessage", slog.Any("error", err))
			return
		}
		logToolMessage(logger, params)
	})

	s.HandleNotification(MethodShowMessage, func(_ context.Context, raw json.RawMessage) {
		var params LogMessageParams
		if err := json.Unmarshal(raw, &params); err != nil {
			logger.Warn("malformed showMessage", slog.Any("error", err))
			return
		}
		logToolMessage(logger, params)
		if ShouldNotify(policy(), params.Type) {
			notifier.Notify(params.Type, params.Message)
		}
	})
}

func logToolMessage(logger *slog.Logger, params LogMessageParams) {
	attr := slog.String("severity", params.Type.String())
	switch params.Type {
	case MessageError:
		logger.Error(params.Message, attr)
	case MessageWarning:
		logger.Warn(params.Message, attr)
	default:
		logger.Info(params.Message, attr)
	}
}
