// ============================================================================
// Probe-Swarm Transport - gRPC 編碼器
// ============================================================================
//
// Package: internal/transport
// 文件: codec.go
// 功能: Coordinator 與遠端節點之間的 gRPC 傳輸
//
// 組成:
//   - codec.go:    以 protowire 編碼的 gRPC codec，註冊為 content-subtype "swarm"
//   - messages.go: 每個訊息的欄位編號與編碼
//   - service.go:  手寫的 grpc.ServiceDesc 與 SwarmServer 介面
//   - client.go:   Client（實作 worker.Upstream 與管理操作）
//   - errors.go:   錯誤與 gRPC status code 互轉
//
// ============================================================================

package transport

import (
	"errors"

	"google.golang.org/grpc/encoding"
)

// CodecName gRPC content-subtype（application/grpc+swarm）
const CodecName = "swarm"

// ErrUnsupportedMessage 編碼器不認得的訊息型別
var ErrUnsupportedMessage = errors.New("unsupported message type")

// Codec 實作 encoding.Codec
type Codec struct{}

// Marshal 編碼訊息
func (Codec) Marshal(v any) ([]byte, error) {
	return marshal(v)
}

// Unmarshal 解碼訊息
func (Codec) Unmarshal(data []byte, v any) error {
	return unmarshal(data, v)
}

// Name 返回 content-subtype
func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
