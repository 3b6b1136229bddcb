package resilience

import (
	"context"
	"errors"
	"testing"
)

func TestDiscoverStopsAtFirstWorkingCandidate(t *testing.T) {
	var tried []string
	closed := 0
	candidate := func(name string, connectErr, probeErr error) Candidate[string] {
		return Candidate[string]{
			Name: name,
			Connect: func(context.Context) (string, error) {
				tried = append(tried, name)
				return name, connectErr
			},
			Probe: func(context.Context, string) error { return probeErr },
			Close: func(string) { closed++ },
		}
	}

	found, err := Discover(context.Background(), []Candidate[string]{
		candidate("gnome", errors.New("no such service"), nil),
		candidate("kde", nil, errors.New("unknown method")),
		candidate("freedesktop", nil, nil),
		candidate("better", nil, nil),
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if found.Name != "freedesktop" || found.Handle != "freedesktop" {
		t.Fatalf("expected freedesktop, got %+v", found)
	}
	if len(tried) != 3 {
		t.Fatalf("expected discovery to stop after the winner, tried %v", tried)
	}
	if closed != 1 {
		t.Fatalf("expected the failed probe handle to be closed, got %d", closed)
	}
}

func TestDiscoverClassifiesFailures(t *testing.T) {
	denied := Candidate[int]{
		Name:    "denied",
		Connect: func(context.Context) (int, error) { return 0, PermissionDenied(errors.New("nope")) },
	}
	missing := Candidate[int]{
		Name:    "missing",
		Connect: func(context.Context) (int, error) { return 0, errors.New("no such service") },
	}

	_, err := Discover(context.Background(), []Candidate[int]{denied, denied})
	if Classify(err) != KindPermissionDenied {
		t.Fatalf("expected permission denied when all candidates are denied, got %v", err)
	}

	_, err = Discover(context.Background(), []Candidate[int]{denied, missing})
	if Classify(err) != KindTransient {
		t.Fatalf("expected transient for mixed failures, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindOther},
		{errors.New("boom"), KindOther},
		{Transient(errors.New("later")), KindTransient},
		{PermissionDenied(errors.New("never")), KindPermissionDenied},
		{context.DeadlineExceeded, KindTransient},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
