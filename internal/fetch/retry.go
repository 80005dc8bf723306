package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// UnitState tracks one fetch unit through the two passes. Allowed paths are
// Pending→Succeeded, Pending→FailedOnce→Succeeded and
// Pending→FailedOnce→FailedFinal.
type UnitState int

const (
	StatePending UnitState = iota
	StateSucceeded
	StateFailedOnce
	StateFailedFinal
)

func (s UnitState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailedOnce:
		return "FAILED_ONCE"
	case StateFailedFinal:
		return "FAILED_FINAL"
	default:
		return "UNKNOWN"
	}
}

// UnitFunc performs one fetch unit. ctx carries the attempt's deadline.
type UnitFunc[P, R any] func(ctx context.Context, unit P) ([]R, error)

type RetryOptions struct {
	Workers      int
	BaseTimeout  time.Duration
	RetryTimeout time.Duration
	// RateLimitRPS is a global limit across both passes. Set to <=0 to disable.
	RateLimitRPS float64
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BaseTimeout <= 0 {
		o.BaseTimeout = 30 * time.Second
	}
	if o.RetryTimeout <= 0 {
		o.RetryTimeout = 60 * time.Second
	}
	return o
}

// UnitOutcome is the final state of one unit. Err is the error of the last
// failed attempt; it is nil for units that succeeded on the first pass.
type UnitOutcome[P any] struct {
	Unit     P
	State    UnitState
	Attempts int
	Records  int
	Err      error
}

type DrainReport[P, R any] struct {
	// Records holds the output of every succeeded unit, in unit order.
	Records  []R
	Outcomes []UnitOutcome[P]
	// Succeeded counts units that ended SUCCEEDED on either pass.
	Succeeded int
	// Recovered counts units that succeeded only on the retry pass.
	Recovered int
	Skipped   int
}

// Drain runs every unit once with BaseTimeout on a bounded pool, then
// retries each failed unit exactly once, sequentially, with RetryTimeout.
// Unit failures never escape as errors; they are reported as outcomes.
func Drain[P, R any](ctx context.Context, logger *slog.Logger, units []P, fn UnitFunc[P, R], opts RetryOptions) *DrainReport[P, R] {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	outcomes := make([]UnitOutcome[P], len(units))
	results := make([][]R, len(units))
	for i, u := range units {
		outcomes[i] = UnitOutcome[P]{Unit: u, State: StatePending}
	}

	// pass 1: workers only touch their own slot
	var g errgroup.Group
	g.SetLimit(opts.Workers)
	for i := range units {
		i := i
		g.Go(func() error {
			out := &outcomes[i]
			recs, err := attempt(ctx, limiter, opts.BaseTimeout, out.Unit, fn)
			out.Attempts++
			if err != nil {
				out.State = StateFailedOnce
				out.Err = err
				logger.Warn("fetch unit failed, queued for retry", "unit", describeUnit(out.Unit), "error", err)
				return nil
			}
			out.State = StateSucceeded
			out.Records = len(recs)
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	var queue []int
	for i := range outcomes {
		if outcomes[i].State == StateFailedOnce {
			queue = append(queue, i)
		}
	}
	if len(queue) > 0 {
		logger.Info("retrying failed fetch units", "queued", len(queue), "timeout", opts.RetryTimeout)
	}

	// pass 2
	for _, i := range queue {
		out := &outcomes[i]
		recs, err := attempt(ctx, limiter, opts.RetryTimeout, out.Unit, fn)
		out.Attempts++
		if err != nil {
			out.State = StateFailedFinal
			out.Err = err
			logger.Error("fetch unit permanently skipped", "unit", describeUnit(out.Unit), "attempts", out.Attempts, "error", err)
			continue
		}
		out.State = StateSucceeded
		out.Records = len(recs)
		results[i] = recs
		logger.Info("fetch unit recovered on retry", "unit", describeUnit(out.Unit), "records", len(recs))
	}

	rep := &DrainReport[P, R]{Outcomes: outcomes}
	for i, out := range outcomes {
		switch out.State {
		case StateSucceeded:
			rep.Succeeded++
			if out.Attempts > 1 {
				rep.Recovered++
			}
			rep.Records = append(rep.Records, results[i]...)
		case StateFailedFinal:
			rep.Skipped++
		}
	}
	logger.Info("fetch units drained",
		"units", len(units), "succeeded", rep.Succeeded, "recovered", rep.Recovered,
		"skipped", rep.Skipped, "records", len(rep.Records))
	return rep
}

func attempt[P, R any](ctx context.Context, limiter *rate.Limiter, timeout time.Duration, unit P, fn UnitFunc[P, R]) ([]R, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	recs, err := fn(attemptCtx, unit)
	if err == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		// a unit that ignores its context still counts as timed out
		return nil, attemptCtx.Err()
	}
	return recs, err
}

func describeUnit(u any) any {
	if s, ok := u.(interface{ String() string }); ok {
		return s.String()
	}
	return u
}

// Params identifies a fetch unit by its query parameters.
type Params map[string]string

// String renders the params sorted by name, e.g. "classId=7 quarterId=q1".
func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p[k]
	}
	return strings.Join(parts, " ")
}

// Values merges p over base into a new query.
func (p Params) Values(base url.Values) url.Values {
	q := url.Values{}
	for k, vs := range base {
		q[k] = append([]string(nil), vs...)
	}
	for k, v := range p {
		q.Set(k, v)
	}
	return q
}

// Expand substitutes {name} placeholders in path with the param values
// and returns the params left over for the query string. The path is
// escaped when the request URL is built.
func (p Params) Expand(path string) (string, Params) {
	rest := make(Params, len(p))
	for k, v := range p {
		placeholder := "{" + k + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, v)
			continue
		}
		rest[k] = v
	}
	return path, rest
}

// Axis is one factor of a unit cross product. Each choice sets one or
// more params, so params drawn from the same upstream row stay together.
type Axis []Params

// ParamList is an axis setting a single param.
type ParamList struct {
	Name   string
	Values []string
}

func (l ParamList) Axis() Axis {
	out := make(Axis, len(l.Values))
	for i, v := range l.Values {
		out[i] = Params{l.Name: v}
	}
	return out
}

// Product returns one unit per combination of a choice from every axis,
// the last axis varying fastest. An empty axis yields no units.
func Product(axes ...Axis) []Params {
	if len(axes) == 0 {
		return nil
	}
	out := []Params{{}}
	for _, axis := range axes {
		next := make([]Params, 0, len(out)*len(axis))
		for _, base := range out {
			for _, choice := range axis {
				p := make(Params, len(base)+len(choice))
				for k, v := range base {
					p[k] = v
				}
				for k, v := range choice {
					p[k] = v
				}
				next = append(next, p)
			}
		}
		out = next
	}
	return out
}
