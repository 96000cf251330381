package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"fmt"
	"io"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 從頭到尾掃描，回傳最後一個成功解析且校驗和正確的事件。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, 0, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if last == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, 0, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增且連續
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, 0, func(event Event) error {
		if lastSeq != 0 && event.Seq != lastSeq+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrSequenceGap, event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		return nil
	})
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] SUBMIT 3f2a... at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return replayFile(path, 0, func(event Event) error {
		subject := string(event.JobID)
		if event.ItemID != "" {
			subject = string(event.ItemID)
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x)\n",
			event.Seq, event.Type, subject,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339), event.Checksum)
		return err
	})
}
