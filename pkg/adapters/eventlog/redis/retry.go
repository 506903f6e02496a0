package redis

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// RetryPolicy controls exponential backoff for stream writes
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Retryable classifies errors worth another attempt. Defaults to DefaultRetryable.
	Retryable func(error) bool
}

// retryablePrefixes are server replies that indicate a transient condition
var retryablePrefixes = []string{
	"LOADING",
	"READONLY",
	"TRYAGAIN",
	"CLUSTERDOWN",
	"MASTERDOWN",
}

// DefaultRetryable retries network failures and transient server replies
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	for _, prefix := range retryablePrefixes {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}

	return false
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}
