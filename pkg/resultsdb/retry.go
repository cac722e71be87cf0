package resultsdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"syscall"
	"time"
)

// ErrRetriesExhausted is returned once a request used up its retry budget.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy bounds how often and how patiently a request is retried.
// Counters are retries, not attempts: Connect = 24 means up to 25 dials.
type RetryPolicy struct {
	Total           int           // Retries of any kind
	Connect         int           // Retries after failing to connect
	Read            int           // Retries after the connection was made but the exchange broke
	BackoffFactor   time.Duration // Scales the exponential wait, see Backoff
	MaxBackoff      time.Duration // Cap for a single wait
	StatusForcelist []int         // Response codes that are retried
	Methods         []string      // Only these methods are retried
}

// DefaultRetryPolicy gives up after roughly half an hour of cumulative waiting.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Total:           24,
		Connect:         24,
		Read:            5,
		BackoffFactor:   300 * time.Millisecond,
		MaxBackoff:      120 * time.Second,
		StatusForcelist: []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout},
		Methods:         []string{http.MethodGet, http.MethodPost},
	}
}

// Backoff returns the wait before retry i, counted from 0:
// BackoffFactor * 2^(i-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(i int) time.Duration {
	if i < 0 || p.BackoffFactor <= 0 {
		return 0
	}
	wait := p.BackoffFactor / 2
	for n := 0; n < i; n++ {
		wait *= 2
		if p.MaxBackoff > 0 && wait >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		return p.MaxBackoff
	}
	return wait
}

// MaxWait is the cumulative wait if every allowed retry is used.
func (p RetryPolicy) MaxWait() time.Duration {
	var total time.Duration
	for i := 0; i < p.Total; i++ {
		total += p.Backoff(i)
	}
	return total
}

func (p RetryPolicy) retriesMethod(method string) bool {
	return slices.Contains(p.Methods, method)
}

func (p RetryPolicy) retriesStatus(code int) bool {
	return slices.Contains(p.StatusForcelist, code)
}

// retryTransport wraps another RoundTripper and replays requests according to a RetryPolicy.
type retryTransport struct {
	next   http.RoundTripper
	policy RetryPolicy
	logger *slog.Logger
}

func newRetryTransport(next http.RoundTripper, policy RetryPolicy, logger *slog.Logger) *retryTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &retryTransport{next: next, policy: policy, logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.policy.retriesMethod(req.Method) {
		return t.next.RoundTrip(req)
	}

	ctx := req.Context()
	var total, connect, read int

	for {
		attempt, err := rewind(req, total)
		if err != nil {
			return nil, err
		}

		resp, err := t.next.RoundTrip(attempt)

		var cause string
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, err
			}
			if isConnectError(err) {
				connect++
				if connect > t.policy.Connect {
					return nil, fmt.Errorf("%w: %s %s: connect: %v", ErrRetriesExhausted, req.Method, req.URL.Redacted(), err)
				}
			} else {
				read++
				if read > t.policy.Read {
					return nil, fmt.Errorf("%w: %s %s: read: %v", ErrRetriesExhausted, req.Method, req.URL.Redacted(), err)
				}
			}
			cause = err.Error()
		case t.policy.retriesStatus(resp.StatusCode):
			if total+1 > t.policy.Total {
				resp.Body.Close()
				return nil, fmt.Errorf("%w: %s %s: last status %d", ErrRetriesExhausted, req.Method, req.URL.Redacted(), resp.StatusCode)
			}
			// Drain so the connection can be reused for the next attempt.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			cause = resp.Status
		default:
			return resp, nil
		}

		total++
		if total > t.policy.Total {
			return nil, fmt.Errorf("%w: %s %s: %s", ErrRetriesExhausted, req.Method, req.URL.Redacted(), cause)
		}

		wait := t.policy.Backoff(total - 1)
		t.logger.Warn("Retrying request",
			slog.String("method", req.Method),
			slog.String("url", req.URL.Redacted()),
			slog.Int("retry", total),
			slog.Duration("backoff", wait),
			slog.String("cause", cause),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// rewind returns the request to send for the given retry number, with a fresh body.
func rewind(req *http.Request, retry int) (*http.Request, error) {
	if retry == 0 {
		return req, nil
	}
	clone := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fmt.Errorf("cannot retry %s %s: request body is not replayable", req.Method, req.URL.Redacted())
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		clone.Body = body
	}
	return clone, nil
}

// isConnectError reports whether err happened before a connection was established.
func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
