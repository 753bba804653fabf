package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore/pebblestore"
)

func TestInspectDumpsNewestFirst(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := pebblestore.Open(dir)
	require.NoError(t, err)
	r, err := s.EnsureGroup(5)
	require.NoError(t, err)
	ts := time.Unix(1700000000, 0).UTC()
	for i, text := range []string{"old", "mid", "new"} {
		_, err := r.Create(&model.Message{From: 9, MessageID: uint32(i + 1), Text: text, Timestamp: ts.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{dir, "--limit", "2"})
	require.NoError(t, cmd.Execute())

	got := out.String()
	require.Contains(t, got, "group 5")
	require.Contains(t, got, `"new"`)
	require.Contains(t, got, `"mid"`)
	require.NotContains(t, got, `"old"`)
	require.Less(t, bytes.Index(out.Bytes(), []byte(`"new"`)), bytes.Index(out.Bytes(), []byte(`"mid"`)))
}

func TestQuoteTruncates(t *testing.T) {
	require.Equal(t, `"abc"`, quote("abc", 5))
	require.Equal(t, `"abcd…"`, quote("abcdefgh", 5))
}
