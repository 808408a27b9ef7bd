package logger

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger writes single-line JSON log entries with a fixed envelope:
// service, action, message, hostname plus request_id/trip_id pulled from the
// context. Console output is used instead when APP_ENV=dev.
type Logger struct {
	z zerolog.Logger
}

// New creates a structured logger for the given service.
func New(service string) *Logger {
	if strings.TrimSpace(service) == "" {
		service = "unknown-service"
	}
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		hostname = "unknown-hostname"
	}

	var z zerolog.Logger
	if strings.ToLower(os.Getenv("APP_ENV")) == "dev" {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		z = zerolog.New(writer)
	} else {
		z = zerolog.New(os.Stdout)
	}
	z = z.With().
		Timestamp().
		Str("service", service).
		Str("hostname", hostname).
		Logger()

	return &Logger{z: z}
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return &Logger{z: zerolog.Nop()}
}

// Debug writes a DEBUG line with optional details.
func (l *Logger) Debug(ctx context.Context, action, msg string, details map[string]any) {
	l.emit(l.z.Debug(), ctx, action, msg, details)
}

// Info writes an INFO line with optional details.
func (l *Logger) Info(ctx context.Context, action, msg string, details map[string]any) {
	l.emit(l.z.Info(), ctx, action, msg, details)
}

// Warn writes a WARN line with optional details.
func (l *Logger) Warn(ctx context.Context, action, msg string, details map[string]any) {
	l.emit(l.z.Warn(), ctx, action, msg, details)
}

// Error writes an ERROR line and attaches the error.
func (l *Logger) Error(ctx context.Context, action, msg string, err error, details map[string]any) {
	ev := l.z.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	l.emit(ev, ctx, action, msg, details)
}

func (l *Logger) emit(ev *zerolog.Event, ctx context.Context, action, msg string, details map[string]any) {
	ev = ev.Str("action", safeAction(action))
	if id := requestID(ctx); id != "" {
		ev = ev.Str("request_id", id)
	}
	if id := tripID(ctx); id != "" {
		ev = ev.Str("trip_id", id)
	}
	for k, v := range details {
		ev = ev.Interface(k, v)
	}
	ev.Msg(strings.TrimSpace(msg))
}

// ------------ Context helpers -------------

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "meddispatch_request_id"
	ctxKeyTripID    ctxKey = "meddispatch_trip_id"
)

// WithRequestID returns a new context carrying request_id.
func WithRequestID(ctx context.Context, reqID string) context.Context {
	if strings.TrimSpace(reqID) == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyRequestID, reqID)
}

// WithTripID returns a new context carrying trip_id.
func WithTripID(ctx context.Context, tripID string) context.Context {
	if strings.TrimSpace(tripID) == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyTripID, tripID)
}

// RequestIDFrom returns the request_id carried by ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	return requestID(ctx)
}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

func tripID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(ctxKeyTripID).(string); ok {
		return s
	}
	return ""
}

func safeAction(a string) string {
	a = strings.TrimSpace(a)
	if a == "" {
		return "unspecified"
	}
	return a
}
