package mbtcp

import "fmt"

// FunctionCode Modbus 功能碼
type FunctionCode uint8

// Modbus 功能碼 (讀取類)
const (
	FuncReadCoils            FunctionCode = 0x01
	FuncReadDiscreteInputs   FunctionCode = 0x02
	FuncReadHoldingRegisters FunctionCode = 0x03
	FuncReadInputRegisters   FunctionCode = 0x04
)

// exceptionFlag 異常回應的功能碼最高位元
const exceptionFlag = 0x80

func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	default:
		return fmt.Sprintf("Function(0x%02X)", uint8(fc))
	}
}

// ExceptionCode Modbus 異常碼
type ExceptionCode uint8

// Modbus 異常碼
const (
	ExceptionCodeIllegalFunction         ExceptionCode = 0x01
	ExceptionCodeIllegalDataAddress      ExceptionCode = 0x02
	ExceptionCodeIllegalDataValue        ExceptionCode = 0x03
	ExceptionCodeSlaveDeviceFailure      ExceptionCode = 0x04
	ExceptionCodeAcknowledge             ExceptionCode = 0x05
	ExceptionCodeSlaveDeviceBusy         ExceptionCode = 0x06
	ExceptionCodeMemoryParityError       ExceptionCode = 0x08
	ExceptionCodeGatewayPathUnavailable  ExceptionCode = 0x0A
	ExceptionCodeGatewayTargetNoResponse ExceptionCode = 0x0B
)

func (c ExceptionCode) String() string {
	switch c {
	case ExceptionCodeIllegalFunction:
		return "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		return "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		return "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		return "從站設備故障"
	case ExceptionCodeAcknowledge:
		return "確認"
	case ExceptionCodeSlaveDeviceBusy:
		return "從站設備忙碌"
	case ExceptionCodeMemoryParityError:
		return "記憶體同位錯誤"
	case ExceptionCodeGatewayPathUnavailable:
		return "閘道路徑不可用"
	case ExceptionCodeGatewayTargetNoResponse:
		return "閘道目標無回應"
	default:
		return fmt.Sprintf("未知異常 (0x%02X)", uint8(c))
	}
}

// Modbus TCP 常數
const (
	// HeaderLength MBAP 前綴長度 (transaction id + protocol id + length)，不含 unit id
	HeaderLength = 6
	// ProtocolID Modbus 協議識別碼，固定為 0
	ProtocolID = 0
	// MaxPDULength PDU 最大長度
	MaxPDULength = 253
	// MaxADULength 完整訊框最大長度
	MaxADULength = HeaderLength + 1 + MaxPDULength
	// DefaultPort Modbus TCP 預設埠號
	DefaultPort = 502

	// MaxRegistersPerRead 單次讀取保持暫存器的上限
	MaxRegistersPerRead = 125
)

// 長度欄位界限 (長度欄位涵蓋 unit id + PDU)
const (
	// minBodyLength unit id + 異常回應 (功能碼 + 異常碼)
	minBodyLength = 1 + 2
	maxBodyLength = 1 + MaxPDULength
)

// ReadRequest 讀取請求，Function 決定使用哪一種 Modbus 讀取功能
type ReadRequest struct {
	Function FunctionCode
	Address  uint16
	Quantity uint16
}

// ReadCoils 建立讀取線圈請求 (FC 01)
func ReadCoils(address, quantity uint16) ReadRequest {
	return ReadRequest{Function: FuncReadCoils, Address: address, Quantity: quantity}
}

// ReadDiscreteInputs 建立讀取離散輸入請求 (FC 02)
func ReadDiscreteInputs(address, quantity uint16) ReadRequest {
	return ReadRequest{Function: FuncReadDiscreteInputs, Address: address, Quantity: quantity}
}

// ReadHoldingRegisters 建立讀取保持暫存器請求 (FC 03)
func ReadHoldingRegisters(address, quantity uint16) ReadRequest {
	return ReadRequest{Function: FuncReadHoldingRegisters, Address: address, Quantity: quantity}
}

// ReadInputRegisters 建立讀取輸入暫存器請求 (FC 04)
func ReadInputRegisters(address, quantity uint16) ReadRequest {
	return ReadRequest{Function: FuncReadInputRegisters, Address: address, Quantity: quantity}
}

func (r ReadRequest) String() string {
	return fmt.Sprintf("%s(address=%d, quantity=%d)", r.Function, r.Address, r.Quantity)
}
