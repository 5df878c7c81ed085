package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantrail/tickfabric/config"
)

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("https://example.com:4318")
	require.NoError(t, err)
	require.Equal(t, "example.com:4318", host)
	require.False(t, insecure)

	host, insecure, err = parseEndpoint("http://localhost:4318")
	require.NoError(t, err)
	require.Equal(t, "localhost:4318", host)
	require.True(t, insecure)
}

func TestInitNoEndpointUsesNoop(t *testing.T) {
	mp, shutdown, err := Init(context.Background(), config.TelemetrySettings{})
	require.NoError(t, err)
	require.NotNil(t, mp)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitInvalidEndpoint(t *testing.T) {
	_, _, err := Init(context.Background(), config.TelemetrySettings{OTLPEndpoint: "://bad"})
	require.Error(t, err)
}

func TestInitWithEndpoint(t *testing.T) {
	mp, shutdown, err := Init(context.Background(), config.TelemetrySettings{
		OTLPEndpoint: "http://localhost:4318",
		ServiceName:  "tickfabric-test",
	})
	require.NoError(t, err)
	require.NotNil(t, mp)
	// no collector is listening; the final flush may fail, shutdown must not hang
	_ = shutdown(context.Background())
}
