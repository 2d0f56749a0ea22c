package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProductionConfigUsesJSONWithTimestamp(t *testing.T) {
	config := Config("production")
	assert.Equal(t, "json", config.Encoding)
	assert.Equal(t, "timestamp", config.EncoderConfig.TimeKey)
	assert.False(t, config.Development)
}

func TestDevelopmentConfigByDefault(t *testing.T) {
	config := Config("")
	assert.True(t, config.Development)
	assert.Equal(t, "console", config.Encoding)
	assert.True(t, config.Level.Enabled(zap.DebugLevel))

	log, err := New("development")
	require.NoError(t, err)
	assert.NotNil(t, log)
}
