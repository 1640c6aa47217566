// Package bridge implements the request/response exchange between the
// background worker and the foreground context. Long-term credential storage
// is foreground-only, so a worker drain must ask the foreground for the
// current bearer token; an unanswered request degrades to an anonymous drain.
package bridge

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 3 * time.Second

// ErrNoResponder indicates no foreground context answered the request in time.
var ErrNoResponder = errors.New("bridge: no foreground responder")

type credentialRequest struct {
	reply chan string
}

// Broker relays credential requests from the worker to the foreground.
type Broker struct {
	requests chan credentialRequest
	timeout  time.Duration
	logger   *zap.Logger
}

// NewBroker constructs a Broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		requests: make(chan credentialRequest, 4),
		timeout:  defaultRequestTimeout,
		logger:   logger,
	}
}

// RequestToken asks the foreground context for the current bearer credential.
// It returns ErrNoResponder when no foreground context answers before the
// timeout; callers treat that as "submit anonymously".
func (b *Broker) RequestToken(ctx context.Context) (string, error) {
	request := credentialRequest{reply: make(chan string, 1)}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.requests <- request:
	case <-timer.C:
		return "", ErrNoResponder
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case token := <-request.reply:
		return token, nil
	case <-timer.C:
		return "", ErrNoResponder
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TokenProvider supplies the foreground-held credential.
type TokenProvider interface {
	Token() (string, error)
}

// Serve answers credential requests with the provider's current token until
// ctx is done. Run from the foreground context.
func (b *Broker) Serve(ctx context.Context, provider TokenProvider) {
	for {
		select {
		case <-ctx.Done():
			return
		case request := <-b.requests:
			token, err := provider.Token()
			if err != nil {
				b.logger.Warn("credential lookup failed", zap.Error(err))
				token = ""
			}
			request.reply <- token
		}
	}
}
