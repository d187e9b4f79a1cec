package contract

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType: 数组元素类型（numpy 风格短名）。
type DType string

const (
	U1 DType = "u1"
	U2 DType = "u2"
	U4 DType = "u4"
	U8 DType = "u8"
	F4 DType = "f4"
)

// Size 返回元素字节数；未知类型返回 0。
func (d DType) Size() int {
	switch d {
	case U1:
		return 1
	case U2:
		return 2
	case U4, F4:
		return 4
	case U8:
		return 8
	default:
		return 0
	}
}

// Valid 判断是否为受支持类型。
func (d DType) Valid() bool { return d.Size() > 0 }

// Unsigned 判断是否为无符号整数类型。
func (d DType) Unsigned() bool { return d == U1 || d == U2 || d == U4 || d == U8 }

// FillMax 返回该类型"无数据"填充值的字节表示：
// 无符号整数取最大可表示值，f4 取 NaN。
func FillMax(d DType) []byte {
	b := make([]byte, d.Size())
	if d == F4 {
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(math.NaN())))
		return b
	}
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// Array: 行主序、小端的 N 维数组。首维为物理行。
type Array struct {
	DType DType
	Shape []int
	Data  []byte
}

// Rows 返回首维长度。
func (a Array) Rows() int {
	if len(a.Shape) == 0 {
		return 0
	}
	return a.Shape[0]
}

// RowElems 返回每行元素数（prod(Shape[1:])）。
func (a Array) RowElems() int {
	n := 1
	for _, s := range a.Shape[1:] {
		n *= s
	}
	return n
}

// RowBytes 返回每行字节数。
func (a Array) RowBytes() int { return a.RowElems() * a.DType.Size() }

// Validate 检查 Shape 与 Data 长度一致。
func (a Array) Validate() error {
	if !a.DType.Valid() {
		return fmt.Errorf("%w: dtype %q", ErrInvalidInput, a.DType)
	}
	if len(a.Shape) == 0 {
		return fmt.Errorf("%w: scalar arrays unsupported", ErrInvalidInput)
	}
	n := a.DType.Size()
	for _, s := range a.Shape {
		if s < 0 {
			return fmt.Errorf("%w: negative dimension %v", ErrInvalidInput, a.Shape)
		}
		n *= s
	}
	if n != len(a.Data) {
		return fmt.Errorf("%w: shape %v dtype %s expects %d bytes, got %d", ErrInvalidInput, a.Shape, a.DType, n, len(a.Data))
	}
	return nil
}

// Uint64s 以展平（ravel）方式读出全部元素；仅支持无符号整数类型。
// 原始数据的 id 数组带额外维度 (N,1)，展平后与物理行对齐。
func (a Array) Uint64s() ([]uint64, error) {
	if !a.DType.Unsigned() {
		return nil, fmt.Errorf("%w: dtype %s is not unsigned", ErrInvalidInput, a.DType)
	}
	sz := a.DType.Size()
	out := make([]uint64, len(a.Data)/sz)
	for i := range out {
		p := a.Data[i*sz : (i+1)*sz]
		switch a.DType {
		case U1:
			out[i] = uint64(p[0])
		case U2:
			out[i] = uint64(binary.LittleEndian.Uint16(p))
		case U4:
			out[i] = uint64(binary.LittleEndian.Uint32(p))
		case U8:
			out[i] = binary.LittleEndian.Uint64(p)
		}
	}
	return out, nil
}

// FromUint64s 构造一维无符号数组（超出位宽的值按低位截断）。
func FromUint64s(d DType, vals []uint64) Array {
	sz := d.Size()
	data := make([]byte, len(vals)*sz)
	for i, v := range vals {
		p := data[i*sz : (i+1)*sz]
		switch d {
		case U1:
			p[0] = byte(v)
		case U2:
			binary.LittleEndian.PutUint16(p, uint16(v))
		case U4:
			binary.LittleEndian.PutUint32(p, uint32(v))
		case U8:
			binary.LittleEndian.PutUint64(p, v)
		}
	}
	return Array{DType: d, Shape: []int{len(vals)}, Data: data}
}

// Filled 构造每个元素均为 fill 的数组。
func Filled(d DType, shape []int, fill []byte) Array {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]byte, n*len(fill))
	for i := 0; i < n; i++ {
		copy(data[i*len(fill):], fill)
	}
	return Array{DType: d, Shape: append([]int(nil), shape...), Data: data}
}
