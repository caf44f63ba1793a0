// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"bytes"
	"testing"
	"time"

	"github.com/absmach/nanobus/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSample(t *testing.T) {
	now := time.Now()
	s := NewSample("orders.created", bus.Statistics{
		PrepareToSendAt: now,
		SentAt:          now.Add(time.Millisecond),
		ReceivedAt:      now.Add(5 * time.Millisecond),
		HandledAt:       now.Add(7 * time.Millisecond),
	})

	assert.Equal(t, "orders.created", s.MessageType)
	assert.Equal(t, 5*time.Millisecond, s.Travel)
	assert.Equal(t, 7*time.Millisecond, s.Total)
	assert.True(t, s.At.Equal(now.Add(7*time.Millisecond)))
}

func TestStore_SaveAndList(t *testing.T) {
	store := newTestStore(t)

	for i := range 300 {
		require.NoError(t, store.Save(Sample{
			MessageType: "orders.created",
			Travel:      time.Duration(i) * time.Millisecond,
			Total:       time.Duration(i+1) * time.Millisecond,
		}))
	}

	samples, err := store.List()
	require.NoError(t, err)
	require.Len(t, samples, 300)
	for i, s := range samples {
		assert.Equal(t, time.Duration(i)*time.Millisecond, s.Travel, "samples keep insertion order")
	}

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 300, count)
}

func TestStore_Summarize(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(Sample{MessageType: "a", Travel: 2 * time.Millisecond, Total: 4 * time.Millisecond}))
	require.NoError(t, store.Save(Sample{MessageType: "a", Travel: 4 * time.Millisecond, Total: 8 * time.Millisecond}))
	require.NoError(t, store.Save(Sample{MessageType: "b", Travel: 30 * time.Millisecond, Total: 30 * time.Millisecond}))

	sum, err := store.Summarize("a")
	require.NoError(t, err)
	assert.Equal(t, Summary{Count: 2, AvgTravel: 3 * time.Millisecond, AvgTotal: 6 * time.Millisecond}, sum)

	all, err := store.Summarize("")
	require.NoError(t, err)
	assert.Equal(t, 3, all.Count)
	assert.Equal(t, 12*time.Millisecond, all.AvgTravel)

	none, err := store.Summarize("missing")
	require.NoError(t, err)
	assert.Equal(t, Summary{}, none)
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(Sample{MessageType: "a"}))
	require.NoError(t, store.Reset())

	count, err := store.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, store.Save(Sample{MessageType: "a"}))
	count, err = store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_ExportCSV(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(Sample{Travel: 1500 * time.Microsecond, Total: 2 * time.Millisecond}))
	require.NoError(t, store.Save(Sample{Travel: 250 * time.Microsecond, Total: 10 * time.Millisecond}))

	var buf bytes.Buffer
	require.NoError(t, store.ExportCSV(&buf))
	assert.Equal(t, "travel time;total time\n1.500;2.000\n0.250;10.000\n", buf.String())
}

func TestStore_Persistent(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(Config{Dir: dir, GCInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, store.Save(Sample{MessageType: "a", Total: time.Second}))
	require.NoError(t, store.Close())

	store, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(Sample{MessageType: "b"}))
	samples, err := store.List()
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "a", samples[0].MessageType)
	assert.Equal(t, "b", samples[1].MessageType)
}

func TestStore_Close(t *testing.T) {
	store, err := Open(Config{InMemory: true})
	require.NoError(t, err)

	require.NoError(t, store.Close())
	// Close is idempotent
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Save(Sample{}), ErrClosed)
	_, err = store.List()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = store.Count()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Reset(), ErrClosed)
}
