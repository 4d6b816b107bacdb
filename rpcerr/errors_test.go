package rpcerr

import (
	"errors"
	"testing"
)

func TestRemoteErrorMatchesKind(t *testing.T) {
	err := error(NewRemoteError(ErrRemoteInvocation, "boom"))
	if !errors.Is(err, ErrRemoteInvocation) || errors.Is(err, ErrSendFailure) {
		t.Fatalf("kind mismatch for %v", err)
	}
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "boom" {
		t.Fatalf("message lost: %v", err)
	}
	if got := NewRemoteError(ErrTimeout, "").Error(); got != ErrTimeout.Error() {
		t.Errorf("empty message rendered as %q", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Wrapf(ErrConnectionUnavailable, "dial %s", "x"), true},
		{ErrConnectionLost, false},
		{Wrapf(ErrSendFailure, "x"), false},
		{NewRemoteError(ErrRemoteInvocation, "x"), false},
		{ErrTimeout, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if !errors.Is(ErrConnectionLost, ErrConnectionUnavailable) {
		t.Error("ErrConnectionLost must wrap ErrConnectionUnavailable")
	}
}
