// Package retry provides a bounded exponential backoff helper for polling
// operations that resolve asynchronously, such as waiting on a transaction
// to be included in a ledger.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrBudgetExhausted is returned by Poll when the attempt function never
// reported done before the total wait budget was spent.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Func is a single polling attempt. Returning done stops polling
// successfully. Returning an error stops polling immediately.
type Func func(ctx context.Context) (done bool, err error)

// Retrier polls with exponential backoff. The first attempt runs
// immediately. After a not-done attempt the retrier waits Initial, doubling
// the wait each round. A wait that would push the total waited time past
// Budget is not taken and Poll returns ErrBudgetExhausted.
//
// The zero value waits 2s initially with a 30s budget, which yields waits of
// 2s, 4s, 8s, and 16s before giving up.
type Retrier struct {
	Initial time.Duration
	Budget  time.Duration
}

// DefaultInitial and DefaultBudget are used for the corresponding zero
// fields of Retrier.
const (
	DefaultInitial = 2 * time.Second
	DefaultBudget  = 30 * time.Second
)

// Poll runs f until it reports done, an error, cancellation, or exhaustion
// of the wait budget. Poll suspends on the context between rounds and never
// spins.
func (r Retrier) Poll(ctx context.Context, f Func) error {
	wait := r.Initial
	if wait <= 0 {
		wait = DefaultInitial
	}
	budget := r.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	waited := time.Duration(0)
	for {
		done, err := f(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if waited+wait > budget {
			return ErrBudgetExhausted
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		waited += wait
		wait *= 2
	}
}
