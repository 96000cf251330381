package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/probe-swarm/internal/jobmanager"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// newTestData 建立包含一個任務的快照資料
func newTestData(t *testing.T, jobID types.JobID, items int, lastSeq uint64) Data {
	t.Helper()
	jm := jobmanager.NewJobManager()
	work := make([]types.WorkItem, items)
	for i := range work {
		work[i] = types.WorkItem{ID: types.NewItemID(jobID, i), JobID: jobID, Payload: fmt.Sprintf("p%d", i)}
	}
	require.NoError(t, jm.AddJob(jobID, types.JobSpec{Target: "http://t"}, work, time.Now()))
	if items > 1 {
		jm.Dispatch(1, "node-a", time.Now())
	}
	return Data{
		LastSeq: lastSeq,
		State:   jm.Snapshot(),
		Findings: map[types.JobID][]types.Result{
			jobID: {{ItemID: types.NewItemID(jobID, 0), JobID: jobID, Outcome: types.OutcomeSuccess, Evidence: []byte("ev")}},
		},
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "state", "snapshot.json"))

	original := newTestData(t, "job-001", 3, 100)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	require.Len(t, loaded.State.Jobs, 1)
	assert.Equal(t, types.JobID("job-001"), loaded.State.Jobs[0].Job.ID)
	assert.Len(t, loaded.State.Jobs[0].Items, 3)
	assert.Equal(t, []byte("ev"), loaded.Findings["job-001"][0].Evidence)

	// 載入後可直接恢復到 JobManager
	jm := jobmanager.NewJobManager()
	require.NoError(t, jm.Restore(loaded.State))
	assert.Equal(t, 3, jm.QueueLen())
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(newTestData(t, "job-old", 1, 50)))
	newData := newTestData(t, "job-new", 1, 100)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(newData))
	}()

	var loaded Data
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(Data{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent_snapshot.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
	assert.Empty(t, loaded.State.Jobs)
	assert.NotNil(t, loaded.Findings)
}

// TestLoadErrors 測試版本不相容與損壞檔案
func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		wantErr error
	}{
		{
			name:    "version mismatch",
			content: mustJSON(t, map[string]any{"schema_version": 2, "last_seq": 1}),
			wantErr: ErrIncompatibleVersion,
		},
		{
			name:    "corrupted json",
			content: []byte(`{"schema_version": 1, "state": {`),
			wantErr: ErrCorruptedSnapshot,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "snapshot.json")
			require.NoError(t, os.WriteFile(path, tt.content, 0644))
			_, err := NewManager(path).Load()
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// TestWriteFailure 測試寫入失敗（目錄不可寫）
func TestWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	// 父路徑是檔案，無法建立目錄
	manager := NewManager(filepath.Join(blocker, "snapshot.json"))
	assert.Error(t, manager.Write(Data{}))
}

// ============================================================================
// 壓力測試
// ============================================================================

// TestLargeSnapshot 測試大型快照
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	data := newTestData(t, "big", 5000, 7)

	start := time.Now()
	require.NoError(t, manager.Write(data))
	loaded, err := manager.Load()
	require.NoError(t, err)
	t.Logf("write+load of 5000 items took %v", time.Since(start))

	assert.Len(t, loaded.State.Jobs[0].Items, 5000)
}

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, manager.Write(Data{LastSeq: seq}))
		}(uint64(i))
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Less(t, loaded.LastSeq, uint64(10))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
