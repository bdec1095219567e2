package service

import (
	"testing"

	"settlement-service/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"trunk prefix", "0712345678", "254712345678"},
		{"bare subscriber", "712345678", "254712345678"},
		{"international", "254712345678", "254712345678"},
		{"plus sign", "+254712345678", "254712345678"},
		{"airtel range", "0110345678", "254110345678"},
		{"spaces", "0712 345 678", "254712345678"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.input, "254")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePhoneRejects(t *testing.T) {
	for _, input := range []string{"044123456", "", "07123", "25471234567", "0812345678", "07123456789", "abc712345678"} {
		_, err := NormalizePhone(input, "254")
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "input %q", input)
	}
}
