package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "international", in: "254712345678", want: "254712345678"},
		{name: "plus prefix", in: "+254712345678", want: "254712345678"},
		{name: "local 07", in: "0712345678", want: "254712345678"},
		{name: "local 01", in: "0112345678", want: "254112345678"},
		{name: "spaces and dashes", in: "+254 712-345-678", want: "254712345678"},
		{name: "wrong country", in: "+255712345678", wantErr: true},
		{name: "too short", in: "25471234567", wantErr: true},
		{name: "too long", in: "2547123456789", wantErr: true},
		{name: "letters only", in: "not-a-phone", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPhoneFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPhoneLast4(t *testing.T) {
	assert.Equal(t, "5678", PhoneLast4("254712345678"))
	assert.Equal(t, "123", PhoneLast4("123"))
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "****5678", MaskPhone("5678"))
}
