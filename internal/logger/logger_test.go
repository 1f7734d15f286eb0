package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevels(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn"}))
	assert.Equal(t, zerolog.WarnLevel, Get().GetLevel())

	require.NoError(t, Init(Config{Debug: true, Level: "error"}))
	assert.Equal(t, zerolog.DebugLevel, Get().GetLevel())

	assert.Error(t, Init(Config{Level: "loud"}))

	require.NoError(t, Init(Config{}))
	assert.Equal(t, zerolog.InfoLevel, Get().GetLevel())
}
