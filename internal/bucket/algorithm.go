package bucket

import (
	"math"
	"time"
)

// Refill returns the token level of st at now, capped at capacity.
// A clock that moved backwards adds nothing.
func Refill(st State, p Params, now time.Time) float64 {
	elapsed := now.Sub(st.LastUpdate).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(p.Capacity, st.Tokens+elapsed*p.RefillRate)
}

// Apply runs one consume against an in-process state. found=false means the
// key does not exist yet and the bucket starts full. The returned state is
// what must be persisted; it is stamped with now whether or not the request
// was allowed.
func Apply(st State, found bool, p Params, requested float64, now time.Time) (State, Result) {
	if !found {
		st = State{Tokens: p.Capacity, LastUpdate: now}
	}

	tokens := Refill(st, p, now)

	if tokens >= requested {
		tokens -= requested
		return State{Tokens: tokens, LastUpdate: now}, Result{Allowed: true, Tokens: tokens}
	}

	return State{Tokens: tokens, LastUpdate: now}, Result{
		Allowed:    false,
		Tokens:     tokens,
		RetryAfter: waitFor(requested-tokens, p.RefillRate),
	}
}

func waitFor(missing, rate float64) time.Duration {
	if rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(missing / rate * float64(time.Second))
}
