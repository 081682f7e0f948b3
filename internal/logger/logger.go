package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	levelVar   slog.LevelVar
	loggerMu   sync.RWMutex
	baseLogger *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	baseLogger = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar})
	return slog.New(handler)
}

func SetOutput(w io.Writer) {
	loggerMu.Lock()
	baseLogger = newLogger(w)
	loggerMu.Unlock()
}

// SetLevel accepts debug/info/warn/error; anything else resets to info.
func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Level() slog.Level {
	return levelVar.Level()
}

func activeLogger() *slog.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(os.Stdout)
	}
	return baseLogger
}

func Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...))
}

// Component prefixes every line with "[name]" and attaches a component attribute.
type Component struct {
	name string
}

func With(name string) *Component {
	return &Component{name: strings.TrimSpace(name)}
}

func (c *Component) log(level slog.Level, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	if c == nil || c.name == "" {
		activeLogger().Log(context.Background(), level, msg)
		return
	}
	activeLogger().Log(context.Background(), level, "["+c.name+"] "+msg, slog.String("component", c.name))
}

func (c *Component) Debugf(format string, v ...any) { c.log(slog.LevelDebug, format, v...) }
func (c *Component) Infof(format string, v ...any)  { c.log(slog.LevelInfo, format, v...) }
func (c *Component) Warnf(format string, v ...any)  { c.log(slog.LevelWarn, format, v...) }
func (c *Component) Errorf(format string, v ...any) { c.log(slog.LevelError, format, v...) }
