package model

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Endpoint is one candidate address:port pair. Endpoints come pre-validated
// from the target loader and are never mutated afterwards.
type Endpoint struct {
	Address string
	Port    int
	Tag     string
}

// HostPort returns the dialable "ip:port" form, bracketing IPv6 literals.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Key identifies the endpoint inside the pool and the scheduler state.
func (e Endpoint) Key() string {
	return e.HostPort()
}

// IsIPv6 reports whether the endpoint address is an IPv6 literal.
func (e Endpoint) IsIPv6() bool {
	return strings.Contains(e.Address, ":")
}

func (e Endpoint) String() string {
	if e.Tag == "" {
		return e.HostPort()
	}
	return e.HostPort() + "#" + e.Tag
}

// Success is the measured outcome of a completed probe exchange.
type Success struct {
	Latency    time.Duration
	EgressIP   string
	EgressCode string
}

// Failure records why an attempt did not produce a Success.
type Failure struct {
	Reason string
	Err    error
}

// Outcome is a tagged union: exactly one of Success or Failure is set.
type Outcome struct {
	Success *Success
	Failure *Failure
}

// OK reports whether the outcome is a Success.
func (o Outcome) OK() bool {
	return o.Success != nil
}

// Succeeded builds a Success outcome.
func Succeeded(s Success) Outcome {
	return Outcome{Success: &s}
}

// Failed builds a Failure outcome.
func Failed(reason string, err error) Outcome {
	return Outcome{Failure: &Failure{Reason: reason, Err: err}}
}

// Attempt is a single measurement of one endpoint.
type Attempt struct {
	Round     int
	StartedAt time.Time
	Outcome   Outcome
}

// Result is the ordered list of attempts for one endpoint.
type Result struct {
	Endpoint Endpoint
	Attempts []Attempt
}

// SuccessCount returns the number of successful attempts.
func (r *Result) SuccessCount() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Outcome.OK() {
			n++
		}
	}
	return n
}

// FailureCount returns the number of failed attempts.
func (r *Result) FailureCount() int {
	return len(r.Attempts) - r.SuccessCount()
}

// AverageLatency averages latency over successful attempts only.
func (r *Result) AverageLatency() time.Duration {
	var total time.Duration
	n := 0
	for _, a := range r.Attempts {
		if a.Outcome.OK() {
			total += a.Outcome.Success.Latency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// Completed reports whether all repetitions have been recorded.
func (r *Result) Completed(repetitions int) bool {
	return len(r.Attempts) >= repetitions
}

// Passed is strict: every one of the repetitions must have succeeded.
func (r *Result) Passed(repetitions int) bool {
	return r.Completed(repetitions) && r.SuccessCount() == repetitions
}

// LastSuccess returns the most recent successful attempt, if any.
func (r *Result) LastSuccess() (Success, bool) {
	for i := len(r.Attempts) - 1; i >= 0; i-- {
		if s := r.Attempts[i].Outcome.Success; s != nil {
			return *s, true
		}
	}
	return Success{}, false
}

// LastFailure returns the most recent failure, if any.
func (r *Result) LastFailure() (Failure, bool) {
	for i := len(r.Attempts) - 1; i >= 0; i-- {
		if f := r.Attempts[i].Outcome.Failure; f != nil {
			return *f, true
		}
	}
	return Failure{}, false
}
