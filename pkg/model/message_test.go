package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProvenanceNeverOverwrites(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	var m Message
	require.True(t, m.AddSyncedBy(7, t0))
	require.False(t, m.AddSyncedBy(7, t0.Add(time.Hour)))
	require.Equal(t, t0, m.SyncedBy[7])

	require.True(t, m.AddReceivedBy(7, t0.Add(time.Minute)))
	require.False(t, m.AddReceivedBy(7, t0))
	require.Equal(t, t0.Add(time.Minute), m.ReceivedBy[7])

	require.True(t, m.SyncedBy.Has(7))
	require.False(t, m.SyncedBy.Has(8))
}

func TestCloneIsDeep(t *testing.T) {
	m := &Message{ID: 1, Text: "hi"}
	m.AddSyncedBy(1, time.Unix(1, 0))

	c := m.Clone()
	c.AddSyncedBy(2, time.Unix(2, 0))
	c.AddReceivedBy(3, time.Unix(3, 0))
	c.Text = "changed"

	require.Len(t, m.SyncedBy, 1)
	require.Nil(t, m.ReceivedBy)
	require.Equal(t, "hi", m.Text)
	require.Len(t, c.SyncedBy, 2)
}

func TestHasWritten(t *testing.T) {
	var m Message
	require.False(t, m.HasWritten())
	m.TimestampWritten = time.Unix(5, 0)
	require.True(t, m.HasWritten())
}

func TestPublicKeyShort(t *testing.T) {
	var k PublicKey
	k[0], k[1] = 0xAB, 0xCD
	require.Equal(t, "abcd0000", k.Short())
	require.Len(t, k.String(), 64)
	require.False(t, ContactID(0).Valid())
	require.True(t, ContactID(1).Valid())
}
