package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 coordinator 狀態轉換事件到日誌檔案（append-only）
// 2. 提供重放功能以在快照之上恢復系統狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - true 時每次 Append 都立即寫入並 fsync
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal %s: %w", path, err)
	}

	var seq uint64
	stat, statErr := file.Stat()
	if statErr == nil && stat.Size() > 0 {
		lastEvent, err := GetLastEvent(path)
		if err == nil && lastEvent != nil {
			seq = lastEvent.Seq
		}
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,

		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: 1 * time.Second,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq、補上時間戳並計算 checksum
// - syncOnAppend 或 force 時立即寫入並同步，否則累積到緩衝區滿或超時
//
// 回傳：
//
//	事件實際使用的 seq，錯誤（如果寫入失敗）
func (w *WAL) Append(event Event, force bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	needFlush := force || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		return event.Seq, w.flushLocked()
	}
	return event.Seq, nil
}

// Flush 將緩衝的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放 seq 大於 afterSeq 的所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, afterSeq, handler)
}

// EnsureSeq 確保後續事件的 seq 大於 seq（快照之後 WAL 可能已被旋轉清空）
func (w *WAL) EnsureSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < seq {
		w.seq = seq
	}
}

// Rotate 旋轉日誌檔案
//
// 舊檔案保留為 <path>.1，新檔案從空白開始，seq 繼續遞增，
// 以便與快照記錄的 LastSeq 比較。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate wal: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen wal: %w", err)
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL。關閉後的實例不可重用。
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 取得 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

func replayFile(path string, afterSeq uint64, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	decoder := json.NewDecoder(reader)
	var lastSeq uint64
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: decoder.InputOffset(), Cause: err}
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		lastSeq = event.Seq
		if event.Seq <= afterSeq {
			continue
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}
