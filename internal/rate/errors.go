package rate

import "errors"

// ErrRedisUnavailable wraps counter backend failures. The engine fails the
// request rather than letting it through unmetered.
var ErrRedisUnavailable = errors.New("rate limiter: redis unavailable")
