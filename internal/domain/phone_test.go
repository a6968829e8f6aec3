package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0712345678", "254712345678"},
		{"0112 345 678", "254112345678"},
		{"254712345678", "254712345678"},
		{"+254-712-345-678", "254712345678"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "12345", "0812345678", "07123456789", "07123x5678"} {
		_, err := NormalizePhone(bad)
		assert.True(t, errors.Is(err, ErrInvalidPhone), bad)
	}
}

func TestGatewayErrorIsRejected(t *testing.T) {
	var err error = &GatewayError{Message: "Invalid phone number"}
	assert.True(t, errors.Is(err, ErrGatewayRejected))
	assert.Equal(t, "Invalid phone number", err.Error())
}

func TestRouteNotFoundIsNotFound(t *testing.T) {
	assert.True(t, errors.Is(ErrRouteNotFound, ErrNotFound))
}
