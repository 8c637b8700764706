package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct fault", New(RateLimit, "429 from provider"), RateLimit},
		{"wrapped fault", fmt.Errorf("chat: %w", New(Timeout, "deadline")), Timeout},
		{"double wrapped", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", New(DiffInvalid, "bad hunk"))), DiffInvalid},
		{"plain error", errors.New("boom"), Internal},
		{"wrap with cause", Wrap(ProviderTransient, errors.New("conn reset"), "POST /chat"), ProviderTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(RateLimit, "x")))
	assert.True(t, IsRetryable(New(ProviderTransient, "x")))
	assert.True(t, IsRetryable(New(Timeout, "x")))

	assert.False(t, IsRetryable(New(ProviderPermanent, "x")))
	assert.False(t, IsRetryable(New(AuthFailure, "x")))
	assert.False(t, IsRetryable(New(Validation, "x")))
	assert.False(t, IsRetryable(errors.New("unclassified")))
}

func TestWrapNil(t *testing.T) {
	var err *Error = Wrap(Internal, nil, "ignored")
	assert.Nil(t, err)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(Internal, cause, "context")
	assert.ErrorIs(t, err, cause)
}
