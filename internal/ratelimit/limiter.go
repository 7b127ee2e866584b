package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Bucket defines rate limit parameters.
type Bucket struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultBuckets are the limits applied by name.
var DefaultBuckets = map[string]Bucket{
	"accept": {MaxRequests: 30, Window: time.Minute},
	"api":    {MaxRequests: 60, Window: time.Minute},
	"reload": {MaxRequests: 6, Window: time.Minute},
}

// Limiter is an in-memory sliding-window rate limiter per key.
type Limiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// New creates a new rate limiter.
func New() *Limiter {
	return &Limiter{hits: make(map[string][]time.Time), now: time.Now}
}

// Allow checks if an event identified by key is within the rate limit for the
// given bucket. Returns true if allowed. A bucket with MaxRequests <= 0 is
// unlimited.
func (l *Limiter) Allow(key string, bucket Bucket) bool {
	if bucket.MaxRequests <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-bucket.Window)

	times := l.hits[key]
	pruned := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= bucket.MaxRequests {
		l.hits[key] = pruned
		return false
	}

	l.hits[key] = append(pruned, now)
	return true
}

// Sweep drops keys with no hits newer than maxAge.
func (l *Limiter) Sweep(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxAge)
	for key, times := range l.hits {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// HostKey returns the host part of a network address, or the address itself
// when it has no port.
func HostKey(a net.Addr) string {
	if a == nil {
		return ""
	}
	s := a.String()
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}

// Check writes a 429 response if the client is rate limited for the given
// bucket name. Returns true if the request was rejected.
func (l *Limiter) Check(w http.ResponseWriter, r *http.Request, bucketName string) bool {
	bucket, ok := DefaultBuckets[bucketName]
	if !ok {
		bucket = Bucket{MaxRequests: 60, Window: time.Minute}
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	key := bucketName + ":" + ip

	if l.Allow(key, bucket) {
		return false
	}

	retry := strconv.Itoa(int(bucket.Window.Seconds()))
	w.Header().Set("Retry-After", retry)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limited","retry_after_seconds":` + retry + `}`))
	return true
}
