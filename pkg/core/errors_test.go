package core

import (
	"testing"
)

func TestErrorString(t *testing.T) {
	err := NewInvalidRequestError("voice id is required")
	want := "invalid_request_error: voice id is required"
	if got := err.Error(); got != want {
		t.Errorf("Error()=%q want %q", got, want)
	}

	err = &Error{Type: ErrAPI, Message: "boom", Code: "upstream_failed"}
	want = "api_error: boom (code: upstream_failed)"
	if got := err.Error(); got != want {
		t.Errorf("Error()=%q want %q", got, want)
	}
}

func TestConstructorTypes(t *testing.T) {
	cases := []struct {
		err  *Error
		want ErrorType
	}{
		{NewInvalidRequestError("x"), ErrInvalidRequest},
		{NewAuthenticationError("x"), ErrAuthentication},
		{NewNotFoundError("x"), ErrNotFound},
		{NewAPIError("x"), ErrAPI},
	}
	for _, tc := range cases {
		if tc.err.Type != tc.want {
			t.Errorf("type=%q want %q", tc.err.Type, tc.want)
		}
	}
}
