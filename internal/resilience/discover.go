package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Candidate is one possible identity for an ambiguous endpoint.
type Candidate[T any] struct {
	Name    string
	Connect func(ctx context.Context) (T, error)
	// Probe calls a known cheap method to confirm the candidate works.
	Probe func(ctx context.Context, h T) error
	// Close releases a handle that failed its probe.
	Close func(h T)
}

// Discovered is the winning candidate.
type Discovered[T any] struct {
	Name   string
	Handle T
}

// Discover tries candidates in order and returns the first that connects and
// passes its probe. Later candidates are not tried once one succeeds. When
// every candidate is denied the error is marked PermissionDenied; any other
// combination of failures is transient.
func Discover[T any](ctx context.Context, candidates []Candidate[T]) (Discovered[T], error) {
	var errs []error
	denied := 0

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return Discovered[T]{}, Transient(err)
		}

		h, err := c.Connect(ctx)
		if err == nil && c.Probe != nil {
			if err = c.Probe(ctx, h); err != nil && c.Close != nil {
				c.Close(h)
			}
		}
		if err == nil {
			return Discovered[T]{Name: c.Name, Handle: h}, nil
		}

		if Classify(err) == KindPermissionDenied {
			denied++
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
	}

	if len(candidates) == 0 {
		return Discovered[T]{}, PermissionDenied(errors.New("no candidates"))
	}

	joined := errors.Join(errs...)
	if denied == len(candidates) {
		return Discovered[T]{}, fmt.Errorf("no candidate usable: %w", joined)
	}
	return Discovered[T]{}, fmt.Errorf("%w: no candidate usable: %w", ErrTransient, stripDenied(errs))
}

// stripDenied joins errs without their PermissionDenied markers so a mixed
// failure is not classified as permanent.
func stripDenied(errs []error) error {
	msgs := make([]error, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, errors.New(err.Error()))
	}
	return errors.Join(msgs...)
}
