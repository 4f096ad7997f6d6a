package console_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/boardfarm/internal/capability"
	"github.com/bavix/boardfarm/internal/console"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/hardware/sim"
)

func newBoard() *sim.Board {
	return sim.NewBoard(capability.NewSet(capability.Console))
}

func readUntil(ctx context.Context, t *testing.T, s *console.Subscriber, want int) []byte {
	t.Helper()

	var got []byte

	for len(got) < want {
		chunk, err := s.Next(ctx)
		require.NoError(t, err)

		got = append(got, chunk...)
	}

	return got
}

func TestMuxFanOutSameOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	board := newBoard()
	m := console.NewMux(board, 0)
	m.Start(ctx)

	a, err := m.Subscribe()
	require.NoError(t, err)

	b, err := m.Subscribe()
	require.NoError(t, err)

	assert.Equal(t, 2, m.Subscribers())

	for _, line := range []string{"U-Boot 2024.01\r\n", "=> ", "boot\r\n"} {
		_, err := m.Write([]byte(line))
		require.NoError(t, err)
	}

	want := []byte("U-Boot 2024.01\r\n=> boot\r\n")
	assert.Equal(t, want, readUntil(ctx, t, a, len(want)))
	assert.Equal(t, want, readUntil(ctx, t, b, len(want)))
}

func TestMuxLateJoinerSeesOnlyNewOutput(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	board := newBoard()
	m := console.NewMux(board, 0)
	m.Start(ctx)

	early, err := m.Subscribe()
	require.NoError(t, err)

	board.Emit([]byte("early"))
	assert.Equal(t, []byte("early"), readUntil(ctx, t, early, 5))

	late, err := m.Subscribe()
	require.NoError(t, err)

	board.Emit([]byte("late"))
	assert.Equal(t, []byte("late"), readUntil(ctx, t, late, 4))
	assert.Equal(t, []byte("late"), readUntil(ctx, t, early, 4))
}

func TestMuxWritesDoNotInterleave(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	board := newBoard()
	m := console.NewMux(board, 1<<20)
	m.Start(ctx)

	const (
		writers = 8
		size    = 512
	)

	var wg sync.WaitGroup

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := m.Write(bytes.Repeat([]byte{byte('a' + i)}, size))
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	written := board.Written()
	require.Len(t, written, writers*size)

	for off := 0; off < len(written); off += size {
		block := written[off : off+size]
		assert.Equal(t, bytes.Repeat(block[:1], size), block, "write at %d interleaved", off)
	}
}

func TestMuxBoundedBacklogDropsOldest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	board := newBoard()
	m := console.NewMux(board, 8)
	m.Start(ctx)

	slow, err := m.Subscribe()
	require.NoError(t, err)

	fast, err := m.Subscribe()
	require.NoError(t, err)

	board.Emit([]byte("0123456789"))
	assert.Equal(t, []byte("23456789"), readUntil(ctx, t, fast, 8))

	got, err := slow.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("23456789"), got)
	assert.Equal(t, uint64(2), slow.Dropped())
}

func TestMuxCloseDisconnectsSubscribers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := console.NewMux(newBoard(), 0)
	m.Start(ctx)

	s, err := m.Subscribe()
	require.NoError(t, err)

	errCh := make(chan error, 1)

	go func() {
		_, err := s.Next(ctx)
		errCh <- err
	}()

	m.Close(nil)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, customerrors.ErrDisconnected)
	case <-ctx.Done():
		t.Fatal("subscriber hung after close")
	}

	_, err = m.Subscribe()
	require.ErrorIs(t, err, customerrors.ErrDisconnected)

	_, err = m.Write([]byte("x"))
	require.ErrorIs(t, err, customerrors.ErrDisconnected)
	assert.Zero(t, m.Subscribers())
}

func TestMuxDeviceFailureDisconnects(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	board := newBoard()
	m := console.NewMux(board, 0)
	m.Start(ctx)

	s, err := m.Subscribe()
	require.NoError(t, err)

	require.NoError(t, board.Close())

	_, err = s.Next(ctx)
	require.ErrorIs(t, err, customerrors.ErrDisconnected)

	select {
	case <-m.Done():
	case <-ctx.Done():
		t.Fatal("mux did not close")
	}
}

func TestSubscriberCloseAndCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := console.NewMux(newBoard(), 0)
	m.Start(ctx)

	s, err := m.Subscribe()
	require.NoError(t, err)

	cctx, ccancel := context.WithCancel(ctx)
	ccancel()

	_, err = s.Next(cctx)
	require.ErrorIs(t, err, customerrors.ErrCancelled)

	s.Close()
	s.Close()
	assert.Zero(t, m.Subscribers())

	_, err = s.Next(ctx)
	require.ErrorIs(t, err, customerrors.ErrCancelled)
}
