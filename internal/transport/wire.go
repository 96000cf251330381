package transport

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ============================================================================
// protobuf wire 編碼輔助
// ============================================================================
//
// 訊息直接以 protowire 編碼，不需要 .proto 產生的程式碼。
// 整數一律 zigzag varint，時間長度以奈秒表示，浮點數為 fixed64。
// 零值欄位省略；repeated 欄位的每個元素都會寫出（包含空字串）。

type encoder struct {
	b []byte
}

func (e *encoder) str(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) strs(num protowire.Number, ss []string) {
	for _, s := range ss {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, s)
	}
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) int(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeZigZag(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeBool(v))
}

func (e *encoder) double(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, math.Float64bits(v))
}

// msg 寫出巢狀訊息，即使內容為空也寫出（repeated 元素需要）
func (e *encoder) msg(num protowire.Number, fn func(*encoder)) {
	var sub encoder
	fn(&sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}

// field 已解析的單一欄位
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	b   []byte
}

func (f field) int() int64      { return protowire.DecodeZigZag(f.v) }
func (f field) str() string     { return string(f.b) }
func (f field) bool() bool      { return protowire.DecodeBool(f.v) }
func (f field) double() float64 { return math.Float64frombits(f.v) }

func (f field) bytes() []byte {
	return append([]byte(nil), f.b...)
}

// parse 將訊息拆成欄位，未知型別的欄位略過
func parse(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// each 依序處理訊息的每個欄位
func each(b []byte, fn func(f field) error) error {
	fields, err := parse(b)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
