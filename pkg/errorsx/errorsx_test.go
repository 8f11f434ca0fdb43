package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonUpstreamConnect)
	if Reason(err) != ReasonUpstreamConnect {
		t.Fatalf("expected reason %s, got %s", ReasonUpstreamConnect, Reason(err))
	}
	if !HasReason(err, ReasonUpstreamConnect) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonStoreWrite)
	second := Wrap(first, ReasonUpstreamConnect)
	if Reason(second) != ReasonStoreWrite {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestIsConfigReason(t *testing.T) {
	for _, r := range []ReasonCode{ReasonAgentNotFound, ReasonAgentNotConfigured, ReasonCredentialMissing} {
		if !IsConfigReason(r) {
			t.Fatalf("expected %s to be a config reason", r)
		}
	}
	if IsConfigReason(ReasonUpstreamConnect) {
		t.Fatalf("upstream_connect is not a config reason")
	}
}
