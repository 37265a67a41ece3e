package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/thushan/netgate/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting for the handful of
// proxy events worth highlighting in a terminal (blocks, tunnels, rate limits).
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{logger: logger, theme: theme}
}

// NewWithTheme builds both the plain slog.Logger and a themed wrapper around it.
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	base, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	return base, NewStyledLogger(base, appTheme), cleanup, nil
}

func (sl *StyledLogger) Debug(msg string, args ...any) { sl.logger.Debug(msg, args...) }
func (sl *StyledLogger) Info(msg string, args ...any)  { sl.logger.Info(msg, args...) }
func (sl *StyledLogger) Warn(msg string, args ...any)  { sl.logger.Warn(msg, args...) }
func (sl *StyledLogger) Error(msg string, args ...any) { sl.logger.Error(msg, args...) }

// InfoTunnel logs a successfully established CONNECT tunnel, highlighting the target.
func (sl *StyledLogger) InfoTunnel(msg, target string, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Highlight}.Sprint(target))
	sl.logger.Info(styled, args...)
}

// WarnBlocked logs a blocklist/ACL/rate-limit denial, highlighting the reason.
func (sl *StyledLogger) WarnBlocked(msg, reason string, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Warn}.Sprint(reason))
	sl.logger.Warn(styled, args...)
}

// GetUnderlying returns the wrapped slog.Logger for callers that need it directly.
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// With returns a derived StyledLogger carrying the given structured attributes.
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{logger: sl.logger.With(args...), theme: sl.theme}
}
