package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken,, =skip,tenant=market")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "market"}, headers)
}

func TestInitWithoutExporters(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "marketd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSamplerRatio(t *testing.T) {
	require.Contains(t, Config{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased")
	require.Contains(t, Config{}.sampler().Description(), "AlwaysOnSampler")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ServiceName: "marketd"}.withDefaults()
	require.Equal(t, defaultEndpoint, cfg.Endpoint)
	require.Equal(t, defaultExportInterval, cfg.ExportInterval)
	require.Equal(t, defaultBatchTimeout, cfg.BatchTimeout)

	cfg = Config{Endpoint: "collector:4318", ExportInterval: time.Minute}.withDefaults()
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.Equal(t, time.Minute, cfg.ExportInterval)
}
