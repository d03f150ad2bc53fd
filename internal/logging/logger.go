// Package logging provides structured logging for the driver and mudlib bridge.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const (
	connectionIDKey ctxKey = "connection_id"
	actorKey        ctxKey = "actor"
)

// Logger wraps logrus.Logger with the driver's field conventions.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a Logger for the named component ("registry", "scheduler", ...).
func New(component, level string, pretty bool) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if pretty {
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// With returns an entry tagged with this logger's component.
func (l *Logger) With() *logrus.Entry {
	return l.WithField("component", l.component)
}

// WithContext attaches connection id / actor fields carried on ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.With()
	if v, ok := ctx.Value(connectionIDKey).(string); ok && v != "" {
		entry = entry.WithField("connection_id", v)
	}
	if v, ok := ctx.Value(actorKey).(string); ok && v != "" {
		entry = entry.WithField("actor", v)
	}
	return entry
}

// WithConnectionID returns a context carrying a connection id for later logging.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey, id)
}

// WithActor returns a context carrying an actor (instance id) for later logging.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}
