// Package logging provides structured logging with request-scoped context.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	TraceIDKey contextKey = "trace_id"
	UserIDKey  contextKey = "user_id"
	RoleKey    contextKey = "role"
)

// Logger wraps a logrus logger bound to a service name.
type Logger struct {
	*logrus.Logger
	service string
}

// Config configures a Logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output io.Writer
}

// New creates a logger for the named service.
func New(service string, cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	l.SetOutput(out)

	return &Logger{Logger: l, service: service}
}

// NewFromEnv creates a logger using LOG_LEVEL and LOG_FORMAT.
func NewFromEnv(service string) *Logger {
	return New(service, Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	})
}

// Discard returns a logger that writes nowhere. Useful in tests.
func Discard() *Logger {
	return New("test", Config{Level: "panic", Output: io.Discard})
}

// Service returns the service name the logger is bound to.
func (l *Logger) Service() string {
	return l.service
}

// WithContext returns an entry carrying trace, user and role fields from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{"service": l.service}
	if ctx != nil {
		if traceID := GetTraceID(ctx); traceID != "" {
			fields["trace_id"] = traceID
		}
		if userID := GetUserID(ctx); userID != "" {
			fields["user_id"] = userID
		}
		if role := GetRole(ctx); role != "" {
			fields["role"] = role
		}
	}
	return l.Logger.WithFields(fields)
}

// LogRequest writes an access-log line.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request completed")
	}
}

// LogSecurityEvent records an auth or abuse related event.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields(fields)).WithField("security_event", event).Warn("security event")
}

// NewTraceID generates a trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace id in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace id stored in ctx.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// WithUser stores the authenticated user id and role in ctx.
func WithUser(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	if role != "" {
		ctx = context.WithValue(ctx, RoleKey, role)
	}
	return ctx
}

// GetUserID returns the user id stored in ctx.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetRole returns the role stored in ctx.
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}
