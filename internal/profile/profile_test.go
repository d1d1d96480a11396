package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProfile(t *testing.T) *Profile {
	t.Helper()
	return &Profile{
		Mode:         "dev",
		Secret:       "s3cret",
		Driver:       "sqlite",
		Data:         t.TempDir(),
		BusMode:      "store",
		DeliveryMode: "bus",
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	p := validProfile(t)
	require.NoError(t, p.Validate())

	assert.Equal(t, filepath.Join(p.Data, "codeforge_dev.db"), p.DSN)
	assert.Equal(t, 300, p.PresenceTTL)
	assert.Equal(t, 10, p.HistoryDepth)
	assert.Equal(t, 0.85, p.ClassifierHeuristicThreshold)
	assert.Equal(t, 0.70, p.ClassifierLearnedThreshold)
	assert.Equal(t, 5, p.BusMaxAttempts)
	assert.Equal(t, 4, p.BusConsumerWorkers)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{"missing secret", func(p *Profile) { p.Secret = "" }},
		{"unknown driver", func(p *Profile) { p.Driver = "oracle" }},
		{"postgres without dsn", func(p *Profile) { p.Driver = "postgres"; p.DSN = "" }},
		{"unknown bus mode", func(p *Profile) { p.BusMode = "kafka" }},
		{"unknown delivery mode", func(p *Profile) { p.DeliveryMode = "carrier-pigeon" }},
		{"callback without url", func(p *Profile) { p.DeliveryMode = "callback"; p.CallbackBaseURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProfile(t)
			tt.mutate(p)
			require.Error(t, p.Validate())
		})
	}
}

func TestValidateNormalizesMode(t *testing.T) {
	p := validProfile(t)
	p.Mode = "staging"
	require.NoError(t, p.Validate())
	assert.Equal(t, "demo", p.Mode)
}

func TestIsLLMEnabled(t *testing.T) {
	p := validProfile(t)
	assert.False(t, p.IsLLMEnabled())
	p.LLMAPIKey = "sk-123"
	assert.True(t, p.IsLLMEnabled())
}
