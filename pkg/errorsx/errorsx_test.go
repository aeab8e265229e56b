package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonTransportSend)
	if Reason(err) != ReasonTransportSend {
		t.Fatalf("expected reason %s, got %s", ReasonTransportSend, Reason(err))
	}
	if !HasReason(err, ReasonTransportSend) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonBackendDeadline)
	second := Wrap(first, ReasonTransportSend)
	if Reason(second) != ReasonBackendDeadline {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestNewCarriesReasonAndMessage(t *testing.T) {
	err := New(ReasonRecoveryExhausted, "reconnect budget exhausted")
	if !HasReason(err, ReasonRecoveryExhausted) {
		t.Fatalf("expected reason %s, got %s", ReasonRecoveryExhausted, Reason(err))
	}
	if err.Error() != "reconnect budget exhausted" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonProtocolParse) != nil {
		t.Fatalf("expected nil wrap to stay nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
