package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/otelguard/internal/config"
)

func marshal(t *testing.T, f zap.Field) map[string]any {
	t.Helper()
	enc := zapcore.NewMapObjectEncoder()
	f.AddTo(enc)
	return enc.Fields
}

func TestSecret(t *testing.T) {
	fields := marshal(t, Secret("api_key", config.Secret("grafana-cloud-key")))
	obj, ok := fields["api_key"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED:17]", obj["api_key"])
}

func TestHeaders(t *testing.T) {
	fields := marshal(t, Headers("headers", map[string]string{
		"authorization": "Basic dXNlcjpwYXNz",
		"X-Api-Key":     "abc",
		"x-scope-orgid": "tenant-1",
	}))
	obj, ok := fields["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED:18]", obj["authorization"])
	assert.Equal(t, "[REDACTED:3]", obj["X-Api-Key"])
	assert.Equal(t, "tenant-1", obj["x-scope-orgid"])
}

func TestNewRedactingEncoder(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	_, err := NewRedactingEncoder(base, RedactionConfig{Enabled: true, Patterns: []string{"["}})
	assert.ErrorContains(t, err, "invalid redaction pattern")

	long := make([]byte, maxPatternLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = NewRedactingEncoder(base, RedactionConfig{Enabled: true, Patterns: []string{string(long)}})
	assert.ErrorContains(t, err, "too long")

	enc, err := NewRedactingEncoder(base, RedactionConfig{Enabled: false, Fields: []string{"password"}})
	require.NoError(t, err)
	assert.False(t, enc.sensitive("password"))
}

func TestRedactingEncoder_FieldTypes(t *testing.T) {
	cfg := testConfig()
	l, buf := newBufferLogger(t, cfg)

	l.Info(context.Background(), "types",
		zap.ByteString("token", []byte("raw")),
		zap.Binary("private_key", []byte{1, 2, 3}),
		zap.Any("credential", map[string]string{"user": "x"}),
		zap.Strings("secret", []string{"a", "b"}),
		zap.String("Password", "mixed-case"),
		zap.String("note", "api_key=abcdef"),
	)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	for _, k := range []string{"token", "private_key", "credential", "secret", "Password"} {
		assert.Equal(t, "[REDACTED]", lines[0][k], k)
	}
	assert.Equal(t, "[REDACTED:pattern]", lines[0]["note"])
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Redaction.Enabled = false
	l, buf := newBufferLogger(t, cfg)

	l.Info(context.Background(), "plain", zap.String("token", "visible"))
	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "visible", lines[0]["token"])
}
