package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewLeasePolicy(30*time.Second, nil)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, policy.Default())
	})

	t.Run("invalid default lease", func(t *testing.T) {
		policy, err := NewLeasePolicy(0, nil)
		require.ErrorIs(t, err, ErrInvalidDefaultLease)
		assert.Nil(t, policy)
	})
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(30*time.Second, map[string]time.Duration{
		"publish":      10 * time.Minute,
		"notification": 0,
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		queue   string
		request time.Duration
		seconds int
		source  LeaseSource
	}{
		{name: "explicit wins over queue", queue: "publish", request: 45 * time.Second, seconds: 45, source: LeaseSourceExplicit},
		{name: "queue override", queue: "publish", seconds: 600, source: LeaseSourceQueue},
		{name: "ignored zero override", queue: "notification", seconds: 30, source: LeaseSourceDefault},
		{name: "unknown queue uses default", queue: "maintenance", seconds: 30, source: LeaseSourceDefault},
		{name: "sub-second clamps", queue: "publish", request: 500 * time.Millisecond, seconds: 1, source: LeaseSourceClamped},
		{name: "negative clamps", queue: "publish", request: -5 * time.Second, seconds: 1, source: LeaseSourceClamped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Resolve(tt.queue, tt.request)
			assert.Equal(t, tt.seconds, d.Seconds)
			assert.Equal(t, tt.source, d.Source)
			assert.Equal(t, time.Duration(tt.seconds)*time.Second, d.Duration())
		})
	}
}
