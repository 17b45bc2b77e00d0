package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsServiceFields(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := setup(&buf, Options{Service: "marketd", Env: "test", Level: "warn"})
	logger.Info("dropped")
	logger.Warn("kept", MaskField("authorizationToken", "secret"), MaskField("reason", "bad payout"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "kept", line["message"])
	require.Equal(t, "WARN", line["severity"])
	require.Equal(t, "marketd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, RedactedValue, line["authorizationToken"])
	require.Equal(t, "bad payout", line["reason"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestAllowlistExcludesCredentials(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		require.NotContains(t, key, "token")
		require.NotContains(t, key, "secret")
	}
	require.True(t, IsAllowlisted("settlementId"))
	require.Equal(t, "", MaskField("authorizationToken", "").Value.String())
}
