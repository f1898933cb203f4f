// Package precondition holds the resource predicates a job must satisfy
// before it is allowed to run. An unmet predicate defers the job; it never
// fails it.
package precondition

import (
	"context"
	"errors"
	"fmt"
)

// Check is a single precondition. Check returns nil when met and an
// *UnmetError when not; any other error means the predicate itself could not
// be evaluated.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.Label }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// UnmetError reports a precondition that does not currently hold.
type UnmetError struct {
	Check  string
	Reason string
}

func (e *UnmetError) Error() string {
	return fmt.Sprintf("precondition %s not met: %s", e.Check, e.Reason)
}

// Unmet builds an *UnmetError.
func Unmet(check, format string, args ...any) error {
	return &UnmetError{Check: check, Reason: fmt.Sprintf(format, args...)}
}

// IsUnmet reports whether err carries an *UnmetError.
func IsUnmet(err error) bool {
	var u *UnmetError
	return errors.As(err, &u)
}

// Evaluate runs checks in order and returns the first failure. Evaluation
// errors are returned as unmet so the job is deferred rather than failed.
func Evaluate(ctx context.Context, checks ...Check) error {
	for _, c := range checks {
		if c == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.Check(ctx)
		if err == nil {
			continue
		}
		if IsUnmet(err) {
			return err
		}
		return &UnmetError{Check: c.Name(), Reason: err.Error()}
	}
	return nil
}
