package transport

import (
	"net/http"
	"strconv"
	"time"
)

// DefaultTooManyRequestsDelay is the cool-down after a 429 without Retry-After.
const DefaultTooManyRequestsDelay = 60 * time.Second

// Result is the normalized outcome of one send.
type Result struct {
	// Sent is true when a response was received, whatever its status.
	Sent bool
	// Status is the HTTP status, 0 when nothing came back.
	Status int
	// Retry marks the payload as worth sending again.
	Retry bool
	// Delay, when positive, is the server-requested wait before retrying.
	Delay time.Duration
	// Err is set for every non-2xx outcome.
	Err error
}

// OK reports a 2xx response.
func (r Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Classify turns a response status into a Result. 429 retries after
// Retry-After or tooManyDelay; 408, 500 and 503 retry immediately; anything
// else, including status 0, is final.
func Classify(status int, header http.Header, tooManyDelay time.Duration) Result {
	r := Result{Sent: status != 0, Status: status}
	switch status {
	case http.StatusTooManyRequests:
		r.Retry = true
		r.Delay = tooManyDelay
		if d, ok := retryAfter(header, time.Now()); ok {
			r.Delay = d
		}
	case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusServiceUnavailable:
		r.Retry = true
	}
	return r
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	v := header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second), true
		}
		return 0, true
	}
	return 0, false
}
