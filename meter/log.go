package meter

import (
	"context"
	"log/slog"

	"github.com/ineyio/mealgate"
)

// LogMeter logs gate events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ mealgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e mealgate.DecisionEvent) {
	level := slog.LevelInfo
	if !e.Granted {
		level = slog.LevelWarn
	}
	m.Logger.Log(context.Background(), level, "decision",
		"action", e.Action,
		"user", e.UserID,
		"vip", e.VIP,
		"granted", e.Granted,
		"pool", e.Pool,
		"requested", e.Requested,
		"remaining", e.Remaining,
	)
}

func (m *LogMeter) OnResult(e mealgate.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"action", e.Action,
			"user", e.UserID,
			"vip", e.VIP,
			"duration_ms", e.Duration.Milliseconds(),
			"tokens_used", e.TokensUsed,
		)
	} else {
		m.Logger.Warn("result_error",
			"action", e.Action,
			"user", e.UserID,
			"vip", e.VIP,
			"duration_ms", e.Duration.Milliseconds(),
			"refunded", e.Refunded,
			"error", e.Error,
		)
	}
}
