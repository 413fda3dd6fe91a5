package antiban

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfig_ExplicitZerosSurviveDefaults(t *testing.T) {
	var cfg Config
	err := yaml.Unmarshal([]byte(`
tier: business
jitter: 0
active_hours:
  start: 0
  end: 0
per_recipient_limit: 0
`), &cfg)
	require.NoError(t, err)

	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Jitter)
	assert.Equal(t, ActiveHours{}, cfg.ActiveHours)
	assert.Zero(t, cfg.PerRecipientLimit)
	assert.Equal(t, 5*time.Second, cfg.BaseDelay, "absent keys still get defaults")

	late := time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC)
	th := New(cfg, WithClock(newFakeClock(late)), WithRandSource(rand.NewSource(7)))

	d := th.CheckPermitted("6281200000001")
	assert.True(t, d.Permitted, "start == end is always active")

	first := th.ComputeDelay(false)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, th.ComputeDelay(false), "no jitter means a constant delay")
	}

	for i := 0; i < 10; i++ {
		th.RecordOutcome("6281200000001", true)
	}
	d = th.CheckPermitted("6281200000001")
	assert.True(t, d.Permitted, "per-recipient cap is disabled")
}

func TestConfig_AbsentKeysGetDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte("tier: warming\n"), &cfg))

	cfg.SetDefaults()
	d := DefaultConfig()
	assert.Equal(t, d.Jitter, cfg.Jitter)
	assert.Equal(t, d.ActiveHours, cfg.ActiveHours)
	assert.Equal(t, d.PerRecipientLimit, cfg.PerRecipientLimit)
}

func TestConfig_ExplicitKeysTracked(t *testing.T) {
	tests := []struct {
		key  string
		want explicitKeys
	}{
		{"jitter: 0", explicitJitter},
		{"active_hours: {start: 0, end: 0}", explicitActiveHours},
		{"per_recipient_limit: 0", explicitPerRecipientLimit},
		{"base_delay: 1s", 0},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var cfg Config
			require.NoError(t, yaml.Unmarshal([]byte(fmt.Sprintf("%s\n", tt.key)), &cfg))
			assert.Equal(t, tt.want, cfg.explicit)
		})
	}
}
