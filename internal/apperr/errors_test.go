package apperr

import (
	"errors"
	"testing"
)

func TestValidationError(t *testing.T) {
	err := Invalid("page_num", "must be at least %d", 1)

	want := "validation error on field page_num: must be at least 1"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrValidation) {
		t.Error("Invalid() should match ErrValidation")
	}
	if errors.Is(err, ErrBackend) {
		t.Error("Invalid() should not match ErrBackend")
	}

	var ve *ValidationError
	if !errors.As(Wrap(ErrBackend, "insert", err), &ve) || ve.Field != "page_num" {
		t.Errorf("errors.As() through Wrap = %+v", ve)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")

	tests := []struct {
		name    string
		kind    error
		err     error
		wantNil bool
		wantMsg string
	}{
		{
			name:    "nil error",
			kind:    ErrConnection,
			err:     nil,
			wantNil: true,
		},
		{
			name:    "connection error",
			kind:    ErrConnection,
			err:     cause,
			wantMsg: "query: connection error: dial tcp: connection refused",
		},
		{
			name:    "backend error",
			kind:    ErrBackend,
			err:     cause,
			wantMsg: "query: backend error: dial tcp: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Wrap(tt.kind, "query", tt.err)
			if tt.wantNil {
				if got != nil {
					t.Errorf("Wrap() = %v, want nil", got)
				}
				return
			}
			if got.Error() != tt.wantMsg {
				t.Errorf("Wrap() = %q, want %q", got.Error(), tt.wantMsg)
			}
			if !errors.Is(got, tt.kind) {
				t.Errorf("Wrap() should match kind %v", tt.kind)
			}
			if !errors.Is(got, cause) {
				t.Error("Wrap() should keep the cause in the chain")
			}
		})
	}
}
