package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestWAL(t *testing.T, syncOnAppend bool) *WAL {
	t.Helper()
	w, err := NewWAL(filepath.Join(t.TempDir(), "coordinator.wal"), syncOnAppend)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func collect(t *testing.T, w *WAL, after uint64) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(after, func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	w := newTestWAL(t, false)

	spec := &types.JobSpec{Target: "http://t", Payloads: []string{"a"}, InjectionPoints: []types.InjectionPoint{{Name: "q"}}}
	seq, err := w.Append(Event{Type: EventSubmit, JobID: "job", Spec: spec}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	_, err = w.Append(Event{Type: EventResult, JobID: "job", ItemID: "job/0",
		Result: &types.Result{ItemID: "job/0", JobID: "job", Outcome: types.OutcomeSuccess, Evidence: []byte("ev")}}, false)
	require.NoError(t, err)
	_, err = w.Append(Event{Type: EventRetry, JobID: "job", ItemID: "job/1", Attempt: 2}, true)
	require.NoError(t, err)

	events := collect(t, w, 0)
	require.Len(t, events, 3)
	assert.Equal(t, EventSubmit, events[0].Type)
	assert.Equal(t, spec.Target, events[0].Spec.Target)
	assert.Equal(t, []byte("ev"), events[1].Result.Evidence)
	assert.Equal(t, 2, events[2].Attempt)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.True(t, VerifyChecksum(e))
		assert.NotZero(t, e.Timestamp)
	}

	// Replay after a snapshot sequence skips older events
	assert.Len(t, collect(t, w, 2), 1)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(Event{Type: EventCancel, JobID: "job"}, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, true)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(3), w2.GetLastSeq())

	seq, err := w2.Append(Event{Type: EventArchive, JobID: "job"}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	require.NoError(t, ValidateWAL(path))
}

func TestRotateKeepsSequence(t *testing.T) {
	w := newTestWAL(t, true)
	for i := 0; i < 2; i++ {
		_, err := w.Append(Event{Type: EventCancel, JobID: "job"}, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Rotate())
	assert.Empty(t, collect(t, w, 0))

	seq, err := w.Append(Event{Type: EventFail, JobID: "job"}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	_, err = os.Stat(w.Path() + ".1")
	assert.NoError(t, err)
}

func TestEnsureSeq(t *testing.T) {
	w := newTestWAL(t, true)
	w.EnsureSeq(10)
	seq, err := w.Append(Event{Type: EventCancel, JobID: "job"}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq)

	w.EnsureSeq(5)
	assert.Equal(t, uint64(11), w.GetLastSeq())
}

func TestClosedWAL(t *testing.T) {
	w := newTestWAL(t, false)
	require.NoError(t, w.Close())
	_, err := w.Append(Event{Type: EventCancel}, false)
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.NoError(t, w.Close())
}

// ============================================================================
// Corruption Tests
// ============================================================================

func TestReplayDetectsCorruption(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(data []byte) []byte
		wantErr error
	}{
		{
			name: "checksum mismatch",
			mutate: func(data []byte) []byte {
				return bytes.Replace(data, []byte(`"job_id":"job"`), []byte(`"job_id":"jab"`), 1)
			},
			wantErr: ErrChecksumMismatch,
		},
		{
			name: "truncated tail",
			mutate: func(data []byte) []byte {
				return append(data, []byte(`{"seq":9,"type":"SUB`)...)
			},
			wantErr: ErrCorruptedWAL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "coordinator.wal")
			w, err := NewWAL(path, true)
			require.NoError(t, err)
			_, err = w.Append(Event{Type: EventCancel, JobID: "job"}, false)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, tt.mutate(data), 0644))

			err = replayFile(path, 0, func(Event) error { return nil })
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGetLastEventSurvivesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = w.Append(Event{Type: EventCancel, JobID: "job"}, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last.Seq)

	n, err := CountEvents(path)
	assert.Error(t, err)
	assert.Equal(t, 2, n)
}

func TestGetLastEventEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestDumpWAL(t *testing.T) {
	w := newTestWAL(t, true)
	_, err := w.Append(Event{Type: EventDead, JobID: "job", ItemID: "job/4"}, false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(w.Path(), &buf))
	assert.Contains(t, buf.String(), "[Seq:1] DEAD job/4")
}
