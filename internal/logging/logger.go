// Package logging provides structured, context-aware logging shared by the
// server and worker processes.
package logging

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ctxKey is the type for context keys carried by this package.
type ctxKey string

const (
	executionIDKey ctxKey = "execution_id"
	nodeIDKey      ctxKey = "node_id"
	workerIDKey    ctxKey = "worker_id"
)

// Logger wraps logrus.Logger with the fields every NoETL component needs to
// attach: execution_id, node_id, worker_id.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a Logger for the given component name ("broker", "worker",
// "api", ...), reading level/format from level and format arguments.
func New(component, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// NewFromEnv builds a Logger using NOETL_LOG_LEVEL and NOETL_LOG_FORMAT,
// defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("NOETL_LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("NOETL_LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithExecution returns a context carrying execution_id for later log calls.
func WithExecution(ctx context.Context, executionID int64) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithNode returns a context carrying node_id for later log calls.
func WithNode(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey, nodeID)
}

// WithWorker returns a context carrying worker_id for later log calls.
func WithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// WithContext builds a logrus.Entry pre-populated with every field present
// in ctx (execution_id, node_id, worker_id) plus this logger's component.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if v := ctx.Value(executionIDKey); v != nil {
		entry = entry.WithField("execution_id", v)
	}
	if v := ctx.Value(nodeIDKey); v != nil {
		entry = entry.WithField("node_id", v)
	}
	if v := ctx.Value(workerIDKey); v != nil {
		entry = entry.WithField("worker_id", v)
	}
	return entry
}

// WithError builds a logrus.Entry carrying both the component and the error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"component": l.component, "error": err.Error()})
}

// NewWorkerID mints a random worker identity for registration with the
// queue's lease protocol.
func NewWorkerID() string {
	return uuid.NewString()
}
