package db

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/fieldcrm/fieldsync/internal/logging"
)

// RetryPolicy bounds how long a write keeps retrying while the database is locked.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy is used by the queue store.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 20 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
	MaxElapsedTime:  5 * time.Second,
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// Retry runs op until it succeeds, fails with a non-busy error, or the
// policy's elapsed time runs out. Only busy errors are retried.
func Retry(ctx context.Context, policy RetryPolicy, opName string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = policy.MaxElapsedTime

	notifier := func(err error, d time.Duration) {
		logging.Warn("[DB] Database busy, retrying", map[string]interface{}{
			"op":    opName,
			"delay": d.String(),
			"error": err.Error(),
		})
	}

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !IsBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), notifier)
}
