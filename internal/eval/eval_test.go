package eval

import (
	"errors"
	"testing"

	"github.com/couchqs/couchqs/internal/protocol"
)

func TestCallValue_Basic(t *testing.T) {
	fn := func(a, b float64) float64 { return a + b }
	got, err := CallValue(fn, float64(2), float64(3))
	if err != nil {
		t.Fatalf("CallValue: %v", err)
	}
	if got != float64(5) {
		t.Errorf("got %v", got)
	}
}

func TestCallValue_NilArgs(t *testing.T) {
	fn := func(doc map[string]any, req map[string]any) any {
		if doc == nil {
			return "no doc"
		}
		return doc["_id"]
	}
	got, err := CallValue(fn, nil, map[string]any{})
	if err != nil {
		t.Fatalf("CallValue: %v", err)
	}
	if got != "no doc" {
		t.Errorf("got %v", got)
	}
}

func TestCallValue_ArityMismatch(t *testing.T) {
	fn := func(a any) any { return a }
	if _, err := CallValue(fn, 1, 2); err == nil {
		t.Error("expected arity error")
	}
}

func TestCallValue_ErrorReturn(t *testing.T) {
	boom := errors.New("boom")
	fn := func() (any, error) { return nil, boom }
	_, err := CallValue(fn)
	if err != boom {
		t.Errorf("err = %v", err)
	}
}

func TestCallValue_NotCallable(t *testing.T) {
	if _, err := CallValue("nope"); err == nil {
		t.Error("expected error for non-callable")
	}
}

// Panics with protocol error values pass through the call boundary as
// those errors.
func TestCallValue_RecoverProtocolPanics(t *testing.T) {
	fn := func() any { panic(&protocol.Forbidden{Reason: "no"}) }
	_, err := CallValue(fn)
	var forbidden *protocol.Forbidden
	if !errors.As(err, &forbidden) || forbidden.Reason != "no" {
		t.Fatalf("err = %v", err)
	}

	fn2 := func() any { panic(&protocol.Assertion{Reason: "must hold"}) }
	_, err = CallValue(fn2)
	var assertion *protocol.Assertion
	if !errors.As(err, &assertion) {
		t.Fatalf("err = %v", err)
	}

	fn3 := func() any { panic("plain panic") }
	_, err = CallValue(fn3)
	if err == nil || err.Error() != "plain panic" {
		t.Fatalf("err = %v", err)
	}
}
