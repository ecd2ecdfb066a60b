package middleware

import (
	"errors"

	"golang.org/x/time/rate"

	"mini-ops/ops"
	"mini-ops/pending"
)

// ErrRateLimited reports an invoke rejected by the token bucket. The rejected
// call was never submitted to the executor; retrying is the caller's choice,
// the dispatch core never retries on its own.
var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit rejects invokes beyond r operations per second with a burst
// allowance, using a token bucket.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(op ops.Code, arg int, payload []byte) (int32, *pending.Call, error) {
			if !limiter.Allow() {
				return 0, nil, ErrRateLimited
			}
			return next(op, arg, payload)
		}
	}
}
