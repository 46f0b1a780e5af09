// ABOUTME: Bridges whatsmeow's printf-style logger onto log/slog
// ABOUTME: Sub-loggers become a "module" attribute

package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

type slogLogger struct {
	l *slog.Logger
}

func newLogger(l *slog.Logger) waLog.Logger {
	return slogLogger{l: l}
}

func (s slogLogger) Errorf(msg string, args ...interface{}) { s.l.Error(fmt.Sprintf(msg, args...)) }
func (s slogLogger) Warnf(msg string, args ...interface{})  { s.l.Warn(fmt.Sprintf(msg, args...)) }
func (s slogLogger) Infof(msg string, args ...interface{})  { s.l.Info(fmt.Sprintf(msg, args...)) }
func (s slogLogger) Debugf(msg string, args ...interface{}) { s.l.Debug(fmt.Sprintf(msg, args...)) }

func (s slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{l: s.l.With("module", module)}
}
