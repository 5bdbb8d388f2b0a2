package logging

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentgate/internal/config"
)

func newRedactingJSONEncoder(t *testing.T, cfg RedactionConfig) *RedactingEncoder {
	t.Helper()
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, cfg)
	require.NoError(t, err)
	return enc
}

func encodeFields(t *testing.T, enc *RedactingEncoder) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "msg"}, nil)
	require.NoError(t, err)
	return buf.String()
}

func TestRedactingEncoderFieldNames(t *testing.T) {
	enc := newRedactingJSONEncoder(t, NewDefaultConfig().Redaction)

	enc.AddString("password", "hunter2")
	enc.AddString("master_key", "AGE-SECRET-KEY-1AAAA")
	enc.AddString("plugin_id", "p1")

	out := encodeFields(t, enc)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "AGE-SECRET-KEY")
	assert.Contains(t, out, `"password":"[REDACTED]"`)
	assert.Contains(t, out, `"master_key":"[REDACTED]"`)
	assert.Contains(t, out, `"plugin_id":"p1"`)
}

func TestRedactingEncoderValuePatterns(t *testing.T) {
	enc := newRedactingJSONEncoder(t, NewDefaultConfig().Redaction)

	// Keys outside the field list; only the value pattern catches these.
	enc.AddString("header", "Bearer eyJhbGciOi.payload")
	enc.AddString("identity", "AGE-SECRET-KEY-1QQQQQQQQ")
	enc.AddString("endpoint", "https://api.example.com")

	out := encodeFields(t, enc)
	assert.NotContains(t, out, "eyJhbGciOi")
	assert.NotContains(t, out, "AGE-SECRET-KEY-1QQQQQQQQ")
	assert.Contains(t, out, `"header":"[REDACTED:pattern]"`)
	assert.Contains(t, out, `"identity":"[REDACTED:pattern]"`)
	assert.Contains(t, out, `"endpoint":"https://api.example.com"`)
}

func TestRedactingEncoderDisabled(t *testing.T) {
	enc := newRedactingJSONEncoder(t, RedactionConfig{Enabled: false})

	enc.AddString("password", "hunter2")
	out := encodeFields(t, enc)
	assert.Contains(t, out, `"password":"hunter2"`)
}

func TestRedactingEncoderRejectsBadPattern(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	_, err := NewRedactingEncoder(base, RedactionConfig{
		Enabled:  true,
		Patterns: []string{"("},
	})
	assert.Error(t, err)
}

func TestRedactingEncoderCloneKeepsRules(t *testing.T) {
	enc := newRedactingJSONEncoder(t, NewDefaultConfig().Redaction)

	clone, ok := enc.Clone().(*RedactingEncoder)
	require.True(t, ok)
	clone.AddString("token", "tok-123")

	buf, err := clone.EncodeEntry(zapcore.Entry{Message: "msg"}, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"token":"[REDACTED]"`)
}

func TestSecretFieldRedacts(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "credential added",
		Secret("master_key", config.Secret("hunter2")))

	entries := tl.All()
	require.Len(t, entries, 1)
	rendered := fmt.Sprintf("%v", entries[0].ContextMap())
	assert.NotContains(t, rendered, "hunter2")
	assert.Contains(t, rendered, "[REDACTED:7]")
}

func TestRedactedStringField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "token rotated", RedactedString("token", "abcd"))

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "[REDACTED:4]", entries[0].ContextMap()["token"])
}
