package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestParseStatusList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []int
	}{
		{"comma separated", "429,502,503", []int{429, 502, 503}},
		{"space separated", "502 504", []int{502, 504}},
		{"ignores garbage", "500,abc,,503", []int{500, 503}},
		{"empty", "", []int{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseStatusList(tc.raw))
		})
	}
}

func TestGatewayDefaults(t *testing.T) {
	SetupEnv()

	dispatcher := GetDispatcherConfig()
	assert.Equal(t, 3, dispatcher.MaxAttempts)
	assert.Equal(t, []int{429, 502, 503, 504}, dispatcher.RetryableStatuses)
	assert.Equal(t, 10*time.Second, dispatcher.AttemptTimeout)

	federation := GetFederationConfig()
	assert.Equal(t, 3, federation.UnhealthyThreshold)
	assert.False(t, federation.ProbeInactive)

	lease := GetLeaseConfig()
	assert.Equal(t, "file", lease.Backend)
	assert.Equal(t, 15*time.Second, lease.TTL)

	hooks := GetHookConfig()
	assert.True(t, hooks.Enabled)
}

func TestGatewayOverrides(t *testing.T) {
	SetupEnv()
	viper.Set("UNHEALTHY_THRESHOLD", 5)
	viper.Set("DISPATCH_RETRYABLE_STATUSES", "503")
	defer viper.Set("UNHEALTHY_THRESHOLD", 3)
	defer viper.Set("DISPATCH_RETRYABLE_STATUSES", "429,502,503,504")

	assert.Equal(t, 5, GetFederationConfig().UnhealthyThreshold)
	assert.Equal(t, []int{503}, GetDispatcherConfig().RetryableStatuses)
}

func TestPostgresDSN(t *testing.T) {
	SetupEnv()
	dsn := PostgresDSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "sslmode=disable")
}
