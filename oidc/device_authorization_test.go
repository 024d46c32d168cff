package oidc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceCode_redaction(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	dc := DeviceCode("raw-device-code")
	assert.Equal(RedactedDeviceCode, dc.String())
	b, err := dc.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(string(b), "raw-device-code")
}

func TestDeviceAuthorization_IsExpired(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	now := time.Now()
	nowFn := func() time.Time { return now }

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{
			name:      "no-expiry",
			expiresAt: time.Time{},
			want:      false,
		},
		{
			name:      "future",
			expiresAt: now.Add(time.Minute),
			want:      false,
		},
		{
			name:      "past",
			expiresAt: now.Add(-time.Minute),
			want:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &DeviceAuthorization{ExpiresAt: tt.expiresAt}
			assert.Equal(tt.want, d.IsExpired(nowFn))
		})
	}
}
