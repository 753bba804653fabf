package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig()
	c.NextRequestMin = 0
	c.MaxPacketLength = 73
	c.BetweenSyncsAdd = -time.Second
	err := c.Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, "next_request_min")
	require.ErrorContains(t, err, "max_packet_length")
	require.ErrorContains(t, err, "between_syncs_add")
}

func TestConfigYAMLDurations(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte("first_request_min: 1s\nnext_request_add: 2m\nseed: 9\n"), &c))
	require.Equal(t, time.Second, c.FirstRequestMin)
	require.Equal(t, 2*time.Minute, c.NextRequestAdd)
	require.Equal(t, int64(9), c.Seed)
	require.Equal(t, 30*time.Minute, c.NextRequestMin, "untouched fields keep defaults")
}
