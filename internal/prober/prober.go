// Package prober schedules repeated probe attempts against a list of
// endpoints with bounded concurrency.
//
// All scheduling state lives in the goroutine running Run. Attempts execute
// on a worker pool and report back over a channel; a per-attempt watchdog
// and a single-completion guard make sure every admitted attempt reports
// exactly once, even when the transport never returns. An endpoint's next
// round starts only after its previous task has returned.
package prober

import (
	"context"
	"sync"
	"time"

	"edge-endpoint-probe/internal/fault"
	"edge-endpoint-probe/internal/logging"
	"edge-endpoint-probe/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Transport runs one probe exchange against an endpoint.
type Transport interface {
	Name() string
	Probe(ctx context.Context, ep model.Endpoint) (model.Success, error)
}

// Hooks are invoked from the scheduling goroutine, one call at a time.
type Hooks struct {
	OnAttempt  func(ep model.Endpoint, a model.Attempt)
	OnComplete func(r model.Result, passed bool)
}

type Config struct {
	Concurrency int
	Repetitions int
	RoundDelay  time.Duration
	// RoundJitter randomizes each round delay by up to this fraction of it.
	RoundJitter float64
	// AttemptTimeout bounds a whole attempt regardless of what the transport does.
	AttemptTimeout time.Duration
	// RateLimit caps attempt starts per second; zero disables it.
	RateLimit float64
	Hooks     Hooks
	Logger    logrus.FieldLogger
}

type Stats struct {
	Endpoints   int
	Attempts    int
	Passed      int
	Failed      int
	Canceled    int
	MaxInFlight int
	Elapsed     time.Duration
}

type Prober struct {
	transport Transport
	cfg       Config
	workers   *ants.Pool
	limiter   *rate.Limiter
	delay     backoff.BackOff
	log       logrus.FieldLogger
}

func New(t Transport, cfg Config) (*Prober, error) {
	if t == nil {
		return nil, errors.New("prober: nil transport")
	}
	if cfg.Concurrency <= 0 {
		return nil, errors.Errorf("prober: concurrency must be positive, got %d", cfg.Concurrency)
	}
	if cfg.Repetitions <= 0 {
		return nil, errors.Errorf("prober: repetitions must be positive, got %d", cfg.Repetitions)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.RoundDelay < 0 {
		cfg.RoundDelay = 0
	}
	if cfg.RoundJitter < 0 || cfg.RoundJitter >= 1 {
		return nil, errors.Errorf("prober: round jitter must be in [0, 1), got %v", cfg.RoundJitter)
	}

	// Attempts abandoned by the watchdog may still hold a worker until the
	// transport notices its context, so the pool gets headroom over the limit.
	workers, err := ants.NewPool(2*cfg.Concurrency, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "prober: create worker pool")
	}

	p := &Prober{
		transport: t,
		cfg:       cfg,
		workers:   workers,
		delay:     newRoundDelay(cfg.RoundDelay, cfg.RoundJitter),
		log:       logging.Component(cfg.Logger, "prober"),
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return p, nil
}

// newRoundDelay returns the pause policy between two rounds of an endpoint.
// With jitter the pause is drawn from delay±jitter·delay and never grows.
func newRoundDelay(delay time.Duration, jitter float64) backoff.BackOff {
	if jitter == 0 || delay == 0 {
		return backoff.NewConstantBackOff(delay)
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(delay),
		backoff.WithRandomizationFactor(jitter),
		backoff.WithMultiplier(1),
		backoff.WithMaxInterval(delay),
		backoff.WithMaxElapsedTime(0),
	)
}

// Close releases the worker pool.
func (p *Prober) Close() {
	p.workers.Release()
}

type completion struct {
	idx     int
	attempt model.Attempt
}

// parkExpiry fires when an endpoint waited too long for its abandoned task.
type parkExpiry struct {
	idx      int
	attempts int
}

// run is the scheduler-owned state for one Run call.
type run struct {
	endpoints []model.Endpoint
	results   []model.Result
	queue     []int
	inFlight  []bool
	done      []bool
	timers    []*time.Timer
	// running is true while the endpoint's task has not returned, which
	// outlasts inFlight when the watchdog reported first.
	running []bool
	// parked endpoints have rounds left but wait for running to clear.
	parked []bool

	active      int
	completed   int
	maxInFlight int
	stats       Stats
}

// Run probes every endpoint Repetitions times and returns one Result per
// endpoint, in input order. When ctx is canceled, rounds that never started
// are recorded as "canceled" failures and Run returns ctx.Err() alongside the
// complete results.
func (p *Prober) Run(ctx context.Context, endpoints []model.Endpoint) ([]model.Result, Stats, error) {
	start := time.Now()
	n := len(endpoints)
	rounds := p.cfg.Repetitions
	total := n * rounds

	st := &run{
		endpoints: endpoints,
		results:   make([]model.Result, n),
		queue:     make([]int, 0, n),
		inFlight:  make([]bool, n),
		done:      make([]bool, n),
		timers:    make([]*time.Timer, n),
		running:   make([]bool, n),
		parked:    make([]bool, n),
	}
	for i, ep := range endpoints {
		st.results[i] = model.Result{Endpoint: ep, Attempts: make([]model.Attempt, 0, rounds)}
		st.queue = append(st.queue, i)
	}

	// At most Concurrency attempts are unreported at any time and each
	// reports once, so completions never block.
	completions := make(chan completion, p.cfg.Concurrency)
	// Each endpoint has at most one pending delay timer and one task.
	ready := make(chan int, max(n, 1))
	exited := make(chan int, max(n, 1))
	expired := make(chan parkExpiry, max(n, 1))
	runDone := make(chan struct{})
	defer close(runDone)

	var (
		rateWait <-chan time.Time
		reserved bool
		canceled = ctx.Done()
	)

	admit := func() {
		for st.active < p.cfg.Concurrency && len(st.queue) > 0 && rateWait == nil && ctx.Err() == nil {
			if p.limiter != nil && !reserved {
				if d := p.limiter.Reserve().Delay(); d > 0 {
					reserved = true
					rateWait = time.After(d)
					return
				}
			}
			reserved = false

			idx := st.queue[0]
			st.queue = st.queue[1:]
			st.active++
			st.inFlight[idx] = true
			st.running[idx] = true
			st.maxInFlight = max(st.maxInFlight, st.active)
			p.launch(ctx, idx, len(st.results[idx].Attempts)+1, endpoints[idx], completions, exited)
		}
	}

	finish := func(idx int) {
		st.done[idx] = true
		st.parked[idx] = false
		if t := st.timers[idx]; t != nil {
			t.Stop()
			st.timers[idx] = nil
		}
		res := st.results[idx]
		passed := res.Passed(rounds)
		if passed {
			st.stats.Passed++
		} else {
			st.stats.Failed++
		}
		p.log.WithFields(logrus.Fields{
			"endpoint":  res.Endpoint.String(),
			"successes": res.SuccessCount(),
			"latency":   res.AverageLatency(),
			"passed":    passed,
		}).Debug("endpoint completed")
		if p.cfg.Hooks.OnComplete != nil {
			p.cfg.Hooks.OnComplete(res, passed)
		}
	}

	record := func(idx int, a model.Attempt) {
		st.results[idx].Attempts = append(st.results[idx].Attempts, a)
		st.completed++
		if f := a.Outcome.Failure; f != nil {
			if f.Reason == "canceled" {
				st.stats.Canceled++
			}
			p.log.WithFields(logrus.Fields{
				"endpoint": endpoints[idx].String(),
				"round":    a.Round,
				"reason":   f.Reason,
			}).Debugf("attempt failed: %v", f.Err)
		}
		if p.cfg.Hooks.OnAttempt != nil {
			p.cfg.Hooks.OnAttempt(endpoints[idx], a)
		}
	}

	// cancelRemaining fills every round idx has not started yet.
	cancelRemaining := func(idx int) {
		for len(st.results[idx].Attempts) < rounds {
			record(idx, model.Attempt{
				Round:     len(st.results[idx].Attempts) + 1,
				StartedAt: time.Now(),
				Outcome:   model.Failed("canceled", errors.Wrap(ctx.Err(), "round not started")),
			})
		}
		finish(idx)
	}

	// abandonRemaining gives up on an endpoint whose previous task never
	// returned; starting another round would overlap it.
	abandonRemaining := func(idx int) {
		p.log.WithField("endpoint", endpoints[idx].String()).
			Warn("transport ignored cancellation, recording remaining rounds as timed out")
		err := &fault.TimeoutError{Phase: fault.PhaseAttempt, Err: errors.New("previous round still running")}
		for len(st.results[idx].Attempts) < rounds {
			record(idx, model.Attempt{
				Round:     len(st.results[idx].Attempts) + 1,
				StartedAt: time.Now(),
				Outcome:   model.Failed(fault.Reason(err), err),
			})
		}
		finish(idx)
	}

	for st.completed < total {
		admit()
		if st.completed >= total {
			break
		}

		select {
		case c := <-completions:
			st.active--
			st.inFlight[c.idx] = false
			record(c.idx, c.attempt)
			switch {
			case len(st.results[c.idx].Attempts) >= rounds:
				finish(c.idx)
			case ctx.Err() != nil:
				cancelRemaining(c.idx)
			case st.running[c.idx]:
				p.park(st, c.idx, expired, runDone)
			default:
				p.scheduleNext(st, c.idx, ready)
			}

		case idx := <-exited:
			st.running[idx] = false
			if st.parked[idx] {
				st.parked[idx] = false
				if t := st.timers[idx]; t != nil {
					t.Stop()
					st.timers[idx] = nil
				}
				if !st.done[idx] {
					p.scheduleNext(st, idx, ready)
				}
			}

		case ev := <-expired:
			if st.parked[ev.idx] && !st.done[ev.idx] && len(st.results[ev.idx].Attempts) == ev.attempts {
				st.parked[ev.idx] = false
				st.timers[ev.idx] = nil
				abandonRemaining(ev.idx)
			}

		case idx := <-ready:
			st.timers[idx] = nil
			if !st.done[idx] {
				st.queue = append(st.queue, idx)
			}

		case <-rateWait:
			rateWait = nil

		case <-canceled:
			canceled = nil
			p.log.WithField("remaining", total-st.completed).Warn("run canceled, recording remaining rounds")
			st.queue = st.queue[:0]
			for idx := range st.results {
				if !st.done[idx] && !st.inFlight[idx] {
					cancelRemaining(idx)
				}
			}
		}
	}

	st.stats.Endpoints = n
	st.stats.Attempts = st.completed
	st.stats.MaxInFlight = st.maxInFlight
	st.stats.Elapsed = time.Since(start)
	p.log.WithFields(logrus.Fields{
		"transport":     p.transport.Name(),
		"endpoints":     n,
		"attempts":      st.completed,
		"passed":        st.stats.Passed,
		"failed":        st.stats.Failed,
		"max_in_flight": st.maxInFlight,
		"elapsed":       st.stats.Elapsed.Round(time.Millisecond),
	}).Info("probe run finished")

	return st.results, st.stats, ctx.Err()
}

func (p *Prober) scheduleNext(st *run, idx int, ready chan<- int) {
	d := p.delay.NextBackOff()
	if d <= 0 {
		st.queue = append(st.queue, idx)
		return
	}
	st.timers[idx] = time.AfterFunc(d, func() { ready <- idx })
}

// park holds idx until its previous task returns, for at most one more
// attempt timeout.
func (p *Prober) park(st *run, idx int, expired chan<- parkExpiry, runDone <-chan struct{}) {
	st.parked[idx] = true
	ev := parkExpiry{idx: idx, attempts: len(st.results[idx].Attempts)}
	st.timers[idx] = time.AfterFunc(p.cfg.AttemptTimeout, func() {
		select {
		case expired <- ev:
		case <-runDone:
		}
	})
}

// launch starts one attempt. Whichever of the transport, the watchdog or a
// failed submit finishes first reports the attempt; the rest are dropped.
func (p *Prober) launch(ctx context.Context, idx, round int, ep model.Endpoint, out chan<- completion, exited chan<- int) {
	attemptCtx, cancel := context.WithCancel(ctx)
	startedAt := time.Now()

	var once sync.Once
	report := func(s model.Success, err error) {
		once.Do(func() {
			cancel()
			outcome := model.Succeeded(s)
			if err != nil {
				if ctx.Err() != nil {
					err = errors.Wrap(ctx.Err(), err.Error())
				}
				outcome = model.Failed(fault.Reason(err), err)
			}
			out <- completion{idx: idx, attempt: model.Attempt{Round: round, StartedAt: startedAt, Outcome: outcome}}
		})
	}

	watchdog := time.AfterFunc(p.cfg.AttemptTimeout, func() {
		report(model.Success{}, &fault.TimeoutError{
			Phase: fault.PhaseAttempt,
			Err:   errors.Errorf("no result after %s", p.cfg.AttemptTimeout),
		})
	})

	task := func() {
		defer func() { exited <- idx }()
		defer watchdog.Stop()
		defer func() {
			if r := recover(); r != nil {
				report(model.Success{}, errors.Errorf("%s transport panic: %v", p.transport.Name(), r))
			}
		}()
		s, err := p.transport.Probe(attemptCtx, ep)
		report(s, err)
	}

	err := p.workers.Submit(task)
	switch {
	case err == nil:
	case errors.Is(err, ants.ErrPoolOverload):
		// every worker is held by an abandoned attempt
		p.log.WithField("endpoint", ep.String()).Debug("worker pool saturated, running attempt on its own goroutine")
		go task()
	default:
		watchdog.Stop()
		report(model.Success{}, errors.Wrap(err, "submit attempt"))
		exited <- idx
	}
}
