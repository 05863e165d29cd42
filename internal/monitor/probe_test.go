package monitor

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"phobos.org.uk/overseer/internal/sim"
	"phobos.org.uk/overseer/internal/testutil"
)

func TestHealthURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:8700/channel", "http://localhost:8700/healthz"},
		{"wss://exec.example.com", "https://exec.example.com/healthz"},
		{"http://localhost:8700", "http://localhost:8700/healthz"},
		{"https://exec.example.com/channel?token=x", "https://exec.example.com/healthz"},
	}
	for _, tt := range tests {
		got, err := HealthURL(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}

	_, err := HealthURL("://not a url")
	require.Error(t, err)
}

func TestProbe(t *testing.T) {
	t.Parallel()

	t.Run("reachable server", func(t *testing.T) {
		t.Parallel()
		_, url := startSim(t, sim.Options{})
		require.True(t, Probe(context.Background(), url))
	})

	t.Run("unreachable server", func(t *testing.T) {
		t.Parallel()
		url := "ws://127.0.0.1:" + strconv.Itoa(testutil.AllocateTestPortN(t, 7))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.False(t, Probe(ctx, url))
	})
}
