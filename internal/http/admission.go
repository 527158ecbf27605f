package httpx

import (
	"math"
	"net/http"
	"strconv"
)

// withAdmission rejects new downstream streams once the connect rate is exhausted.
func (r *Router) withAdmission(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.admission == nil || r.admission.Allow() {
			next(w, req)
			return
		}
		r.recordRateLimitHit(route)
		retryAfter := 1
		if limit := float64(r.admission.Limit()); limit > 0 {
			retryAfter = int(math.Ceil(1 / limit))
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	}
}
