package reap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEBREpochArithmetic(t *testing.T) {
	e := NewEBR()

	require.Equal(t, uint32(0), e.StagingEpoch())
	require.Equal(t, uint32(1), e.GCEpoch())

	// the gc epoch is always staging+1 mod 3, and a successful sync
	// reports the epoch that was e-2 before the advance
	for i := 0; i < 2*Epochs; i++ {
		staging := e.StagingEpoch()
		require.Equal(t, (staging+1)%Epochs, e.GCEpoch())

		gcEpoch, ready := e.Sync()
		require.True(t, ready)
		require.Equal(t, (staging+2)%Epochs, gcEpoch)
		require.Equal(t, (staging+1)%Epochs, e.StagingEpoch())
	}

	e.Destroy()
}

func TestEBRSyncIdleWorker(t *testing.T) {
	e := NewEBR()
	w := e.Register()

	// an idle worker never holds the epoch back
	for i := 0; i < 10; i++ {
		_, ready := e.Sync()
		require.True(t, ready)
	}

	w.Unregister()
	e.Destroy()
}

func TestEBRSyncBlockedByActiveWorker(t *testing.T) {
	e := NewEBR()
	w := e.Register()

	w.Enter()

	// the worker observed the current epoch, so the first sync
	// still advances
	_, ready := e.Sync()
	require.True(t, ready)

	// now the worker's observation is stale; no further advance
	// until it exits
	_, ready = e.Sync()
	require.False(t, ready)
	_, ready = e.Sync()
	require.False(t, ready)

	w.Exit()

	_, ready = e.Sync()
	require.True(t, ready)

	w.Unregister()
	e.Destroy()
}

func TestEBRUnregisterUnblocksSync(t *testing.T) {
	e := NewEBR()
	w1 := e.Register()
	w2 := e.Register()

	w2.Enter()
	_, ready := e.Sync()
	require.True(t, ready)
	_, ready = e.Sync()
	require.False(t, ready)

	w2.Exit()
	w2.Unregister()

	_, ready = e.Sync()
	require.True(t, ready)

	w1.Unregister()
	e.Destroy()
}

func TestEBRExitWithoutEnterPanics(t *testing.T) {
	e := NewEBR()
	w := e.Register()

	require.Panics(t, func() { w.Exit() })

	w.Unregister()
	e.Destroy()
}

func TestEBRDestroyWithWorkersPanics(t *testing.T) {
	e := NewEBR()
	e.Register()

	require.Panics(t, func() { e.Destroy() })
}

func BenchmarkEBREnterExit(b *testing.B) {
	e := NewEBR()
	b.RunParallel(func(pb *testing.PB) {
		w := e.Register()
		for pb.Next() {
			w.Enter()
			w.Exit()
		}
		w.Unregister()
	})
}
