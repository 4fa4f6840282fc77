package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel разбирает уровень логирования: DEBUG, INFO, WARN (WARNING), ERROR
// без учёта регистра. Пустая или неизвестная строка даёт INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogLevel определяет уровень логирования из LOG_LEVEL.
func LogLevel() slog.Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"))
}

// NewLogger создаёт логгер, пишущий в w.
//
// format "text" даёт человекочитаемый вывод, всё остальное — JSON.
// На уровне DEBUG в записи добавляется место вызова.
func NewLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// SetupLogger инициализирует глобальный логгер сервиса по LOG_LEVEL и LOG_FORMAT
// ("json" по умолчанию, "text" для разработки). Вывод в stdout.
func SetupLogger() *slog.Logger {
	logger := NewLogger(os.Stdout, os.Getenv("LOG_FORMAT"), LogLevel())
	slog.SetDefault(logger)
	return logger
}

// RunLogger возвращает логгер с run_id и job_id.
func RunLogger(logger *slog.Logger, runID, jobID string) *slog.Logger {
	return logger.With("run_id", runID, "job_id", jobID)
}

// StepLogger возвращает логгер с run_id и step_id.
func StepLogger(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With("run_id", runID, "step_id", stepID)
}
