package api

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"transient", Transient(errors.New("timed out")), ClassTransient},
		{"recoverable", Recoverable(errors.New("tests red"), "fix them"), ClassRecoverable},
		{"fatal", Fatal(errors.New("bad definition")), ClassFatal},
		{"blocking", Blocking("approve?"), ClassBlocking},
		{"plain error defaults to transient", errors.New("who knows"), ClassTransient},
		{"wrapped fatal survives fmt.Errorf", fmt.Errorf("step build: %w", Fatal(errors.New("x"))), ClassFatal},
		{"wrapped blocking survives fmt.Errorf", fmt.Errorf("step gate: %w", Blocking("y")), ClassBlocking},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

// Fatal wrapping recoverable must classify as fatal: the outermost intent
// wins, and Classify checks fatal first.
func TestClassify_FatalWinsOverInner(t *testing.T) {
	err := Fatal(Recoverable(errors.New("inner"), "ctx"))
	if got := Classify(err); got != ClassFatal {
		t.Fatalf("Classify = %s, want %s", got, ClassFatal)
	}
}

func TestFailureContext(t *testing.T) {
	if got := FailureContext(Recoverable(errors.New("x"), "lint output here")); got != "lint output here" {
		t.Fatalf("FailureContext = %q", got)
	}
	if got := FailureContext(Transient(errors.New("x"))); got != "" {
		t.Fatalf("FailureContext on transient = %q, want empty", got)
	}
	wrapped := fmt.Errorf("attempt 2: %w", Recoverable(errors.New("x"), "ctx"))
	if got := FailureContext(wrapped); got != "ctx" {
		t.Fatalf("FailureContext on wrapped = %q", got)
	}
}

func TestConstructorsPassNilThrough(t *testing.T) {
	if Transient(nil) != nil || Recoverable(nil, "ctx") != nil || Fatal(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	sentinel := errors.New("root cause")
	for _, err := range []error{Transient(sentinel), Recoverable(sentinel, ""), Fatal(sentinel)} {
		if !errors.Is(err, sentinel) {
			t.Fatalf("%v does not unwrap to its cause", err)
		}
	}
}

func TestBlockingErrorCarriesPrompt(t *testing.T) {
	var bl *BlockingError
	if !errors.As(Blocking("ship it?"), &bl) {
		t.Fatalf("Blocking did not produce a BlockingError")
	}
	if bl.Prompt != "ship it?" {
		t.Fatalf("prompt = %q", bl.Prompt)
	}
}
