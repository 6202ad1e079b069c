package tracker

import (
	"context"
	"fmt"
	"time"

	"ms-membership/internal/logger"

	"github.com/getsentry/sentry-go"
)

// Reporter forwards errors that are swallowed before reaching a client.
type Reporter interface {
	CaptureError(ctx context.Context, err error, tags map[string]string)
}

// Tracker logs every captured error and, when a DSN is configured, sends it to Sentry.
type Tracker struct {
	hub    *sentry.Hub
	logger *logger.Logger
}

func New(dsn, environment string, log *logger.Logger) (*Tracker, error) {
	t := &Tracker{logger: log}
	if dsn == "" {
		log.Warn("TRACKER", "SENTRY_DSN not set, errors are only logged")
		return t, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	}); err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	t.hub = sentry.CurrentHub()
	log.Info("TRACKER", "Sentry error tracking enabled")
	return t, nil
}

func (t *Tracker) CaptureError(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	t.logger.Error("TRACKER", fmt.Sprintf("%v %v", err, tags))

	if t.hub == nil {
		return
	}
	hub := t.hub
	if h := sentry.GetHubFromContext(ctx); h != nil {
		hub = h
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

func (t *Tracker) Flush(timeout time.Duration) {
	if t.hub != nil {
		t.hub.Flush(timeout)
	}
}

type nop struct{}

func (nop) CaptureError(context.Context, error, map[string]string) {}

// Nop drops every error.
func Nop() Reporter {
	return nop{}
}
