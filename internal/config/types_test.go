package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("30s")))
	assert.Equal(t, 30*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.NotContains(t, fmt.Sprintf("%v", s), "hunter2")

	b, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")

	assert.True(t, s.IsSet())
	assert.Equal(t, "hunter2", s.Value())
	assert.False(t, Secret("").IsSet())
}
