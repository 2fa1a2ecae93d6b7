package client

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestOriginError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *OriginError
		want string
	}{
		{
			name: "without wrapped error",
			err:  &OriginError{StatusCode: 500, ErrorClass: ErrorClassServer, Message: "500 Internal Server Error"},
			want: "origin server error (status 500): 500 Internal Server Error",
		},
		{
			name: "with wrapped error",
			err:  &OriginError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: errors.New("connection refused")},
			want: "origin network error (status 0): request failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOriginError_Unwrap(t *testing.T) {
	inner := errors.New("timeout")
	err := fmt.Errorf("wrapped: %w", &OriginError{ErrorClass: ErrorClassNetwork, Err: inner})

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find inner error")
	}
	var originErr *OriginError
	if !errors.As(err, &originErr) {
		t.Fatal("errors.As should find OriginError")
	}
	if originErr.ErrorClass != ErrorClassNetwork {
		t.Errorf("ErrorClass = %s", originErr.ErrorClass)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{http.StatusOK, ""},
		{http.StatusNoContent, ""},
		{http.StatusBadRequest, ErrorClassClient},
		{http.StatusNotFound, ErrorClassClient},
		{http.StatusConflict, ErrorClassClient},
		{http.StatusRequestTimeout, ErrorClassThrottled},
		{http.StatusTooManyRequests, ErrorClassThrottled},
		{http.StatusInternalServerError, ErrorClassServer},
		{http.StatusServiceUnavailable, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.want {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ErrorClassClient, false},
		{ErrorClassServer, true},
		{ErrorClassThrottled, true},
		{ErrorClassNetwork, true},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := shouldRetry(tt.class); got != tt.want {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.class, got, tt.want)
			}
		})
	}
}

func TestIsPermanentAndIsNetwork(t *testing.T) {
	clientErr := &OriginError{StatusCode: 400, ErrorClass: ErrorClassClient}
	netErr := &OriginError{ErrorClass: ErrorClassNetwork}

	if !IsPermanent(fmt.Errorf("%w: x", clientErr)) {
		t.Error("client error should be permanent")
	}
	if IsPermanent(netErr) {
		t.Error("network error should not be permanent")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error should not be permanent")
	}
	if !IsNetwork(netErr) || IsNetwork(clientErr) {
		t.Error("IsNetwork misclassified")
	}
}
