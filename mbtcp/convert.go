package mbtcp

import (
	"fmt"
	"math"
	"strings"
)

// DataType 暫存器資料類型，多暫存器類型一律高位字在前
type DataType int

const (
	DataTypeUint16 DataType = iota
	DataTypeInt16
	DataTypeUint32
	DataTypeInt32
	DataTypeFloat32
)

func (dt DataType) String() string {
	switch dt {
	case DataTypeUint16:
		return "uint16"
	case DataTypeInt16:
		return "int16"
	case DataTypeUint32:
		return "uint32"
	case DataTypeInt32:
		return "int32"
	case DataTypeFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// ParseDataType 解析資料類型名稱，空字串視為 uint16
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "uint16", "u16":
		return DataTypeUint16, nil
	case "int16", "i16":
		return DataTypeInt16, nil
	case "uint32", "u32":
		return DataTypeUint32, nil
	case "int32", "i32":
		return DataTypeInt32, nil
	case "float32", "float", "f32":
		return DataTypeFloat32, nil
	default:
		return DataTypeUint16, fmt.Errorf("未知的資料類型: %q", s)
	}
}

// RegisterCount 返回該資料類型佔用的暫存器數量
func (dt DataType) RegisterCount() int {
	switch dt {
	case DataTypeUint32, DataTypeInt32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

func checkPairs(data []uint16) error {
	if len(data)%2 != 0 {
		return fmt.Errorf("暫存器數量必須為偶數: %d", len(data))
	}
	return nil
}

// ToUint32 每兩個暫存器合併為一個 uint32
func ToUint32(data []uint16) ([]uint32, error) {
	if err := checkPairs(data); err != nil {
		return nil, err
	}
	result := make([]uint32, 0, len(data)/2)
	for i := 0; i < len(data); i += 2 {
		result = append(result, uint32(data[i])<<16|uint32(data[i+1]))
	}
	return result, nil
}

// ToInt32 每兩個暫存器合併為一個 int32
func ToInt32(data []uint16) ([]int32, error) {
	u32, err := ToUint32(data)
	if err != nil {
		return nil, err
	}
	result := make([]int32, len(u32))
	for i, v := range u32 {
		result[i] = int32(v)
	}
	return result, nil
}

// ToFloat32 每兩個暫存器依 IEEE 754 位元重新解讀為 float32
func ToFloat32(data []uint16) ([]float32, error) {
	u32, err := ToUint32(data)
	if err != nil {
		return nil, err
	}
	result := make([]float32, len(u32))
	for i, v := range u32 {
		result[i] = math.Float32frombits(v)
	}
	return result, nil
}

// ToInt16 每個暫存器依二補數重新解讀為 int16
func ToInt16(data []uint16) []int16 {
	result := make([]int16, len(data))
	for i, v := range data {
		result[i] = int16(v)
	}
	return result
}

// Decode 依資料類型解讀暫存器並除以縮放因子 (float32 不縮放)
func Decode(data []uint16, dt DataType, scale float64) ([]float64, error) {
	if scale == 0 {
		scale = 1
	}

	var raw []float64
	switch dt {
	case DataTypeUint16:
		for _, v := range data {
			raw = append(raw, float64(v))
		}
	case DataTypeInt16:
		for _, v := range ToInt16(data) {
			raw = append(raw, float64(v))
		}
	case DataTypeUint32:
		values, err := ToUint32(data)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			raw = append(raw, float64(v))
		}
	case DataTypeInt32:
		values, err := ToInt32(data)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			raw = append(raw, float64(v))
		}
	case DataTypeFloat32:
		values, err := ToFloat32(data)
		if err != nil {
			return nil, err
		}
		result := make([]float64, len(values))
		for i, v := range values {
			result[i] = float64(v)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("未知的資料類型: %d", int(dt))
	}

	for i := range raw {
		raw[i] /= scale
	}
	return raw, nil
}

// Encode 將數值乘上縮放因子後編碼為暫存器 (float32 不縮放)
func Encode(dt DataType, value, scale float64) []uint16 {
	if scale == 0 {
		scale = 1
	}
	scaled := math.Round(value * scale)

	switch dt {
	case DataTypeInt16:
		return []uint16{uint16(int16(scaled))}
	case DataTypeUint32:
		u32 := uint32(scaled)
		return []uint16{uint16(u32 >> 16), uint16(u32)}
	case DataTypeInt32:
		i32 := int32(scaled)
		return []uint16{uint16(uint32(i32) >> 16), uint16(i32)}
	case DataTypeFloat32:
		bits := math.Float32bits(float32(value))
		return []uint16{uint16(bits >> 16), uint16(bits)}
	default:
		return []uint16{uint16(scaled)}
	}
}
