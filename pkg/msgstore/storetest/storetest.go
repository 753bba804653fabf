// Package storetest holds behaviour checks shared by every msgstore
// implementation.
package storetest

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore"
)

// Factory returns a fresh registry for group that notifies on bus.
type Factory func(t *testing.T, bus *eventbus.Bus, group model.ContactID) msgstore.Registry

var base = time.Unix(1700000000, 0).UTC()

// Run exercises a Registry implementation.
func Run(t *testing.T, newRegistry Factory) {
	t.Run("CreateGet", func(t *testing.T) {
		r := newRegistry(t, nil, 1)
		require.Equal(t, model.ContactID(1), r.Group())

		in := &model.Message{From: 2, To: 1, MessageID: 9, Text: "hi", Timestamp: base, Unread: true}
		in.AddSyncedBy(3, base)
		id, err := r.Create(in)
		require.NoError(t, err)
		require.NotZero(t, id)
		require.Equal(t, id, in.ID)

		got, err := r.Get(id)
		require.NoError(t, err)
		if diff := cmp.Diff(in, got); diff != "" {
			t.Fatalf("get mismatch (-want +got):\n%s", diff)
		}

		// the returned copy is detached from the store
		got.AddSyncedBy(4, base)
		again, err := r.Get(id)
		require.NoError(t, err)
		require.Len(t, again.SyncedBy, 1)

		_, err = r.Get(id + 100)
		require.True(t, errors.Is(err, msgstore.ErrNotFound))
	})

	t.Run("Update", func(t *testing.T) {
		r := newRegistry(t, nil, 1)
		m := &model.Message{From: 2, MessageID: 1, Text: "a", Timestamp: base}
		_, err := r.Create(m)
		require.NoError(t, err)

		m.TimestampWritten = base.Add(-time.Minute)
		m.Timestamp = base.Add(-time.Minute)
		m.AddReceivedBy(5, base)
		require.NoError(t, r.Update(m))
		got, err := r.Get(m.ID)
		require.NoError(t, err)
		require.True(t, got.Timestamp.Equal(base.Add(-time.Minute)))
		require.True(t, got.ReceivedBy.Has(5))

		err = r.Update(&model.Message{ID: 999})
		require.ErrorIs(t, err, msgstore.ErrNotFound)
	})

	t.Run("DescendingOrder", func(t *testing.T) {
		r := newRegistry(t, nil, 1)
		offsets := []time.Duration{3, 1, 5, 3, 2}
		for i, off := range offsets {
			_, err := r.Create(&model.Message{MessageID: uint32(i), Text: "x", Timestamp: base.Add(off * time.Minute)})
			require.NoError(t, err)
		}

		var order []uint32
		require.NoError(t, r.Descending(func(m *model.Message) bool {
			order = append(order, m.MessageID)
			return true
		}))
		// equal timestamps: the later entity comes first
		require.Equal(t, []uint32{2, 3, 0, 4, 1}, order)

		n, err := msgstore.Count(r)
		require.NoError(t, err)
		require.Equal(t, 5, n)

		seen := 0
		require.NoError(t, r.Descending(func(*model.Message) bool {
			seen++
			return seen < 2
		}))
		require.Equal(t, 2, seen)
	})

	t.Run("DescendingAllowsWrites", func(t *testing.T) {
		r := newRegistry(t, nil, 1)
		for i := range 3 {
			_, err := r.Create(&model.Message{MessageID: uint32(i), Text: "x", Timestamp: base.Add(time.Duration(i) * time.Second)})
			require.NoError(t, err)
		}
		require.NoError(t, r.Descending(func(m *model.Message) bool {
			m.Unread = true
			require.NoError(t, r.Update(m))
			return true
		}))
		require.NoError(t, r.Descending(func(m *model.Message) bool {
			require.True(t, m.Unread)
			return true
		}))
	})

	t.Run("NotifyOnlyOnRequest", func(t *testing.T) {
		bus := eventbus.New()
		var got []msgstore.ChangeEvent
		bus.Subscribe(eventbus.HandlerFunc(func(ev eventbus.Event) bool {
			got = append(got, ev.(msgstore.ChangeEvent))
			return true
		}), msgstore.KindConstruct, msgstore.KindUpdate)

		r := newRegistry(t, bus, 7)
		m := &model.Message{Text: "x", Timestamp: base}
		id, err := r.Create(m)
		require.NoError(t, err)
		require.NoError(t, r.Update(m))
		require.Empty(t, got, "writes are silent")

		r.Notify(msgstore.KindConstruct, id)
		r.Notify(msgstore.KindUpdate, id)
		require.Equal(t, []msgstore.ChangeEvent{
			{Change: msgstore.KindConstruct, Group: 7, ID: id},
			{Change: msgstore.KindUpdate, Group: 7, ID: id},
		}, got)
	})
}
