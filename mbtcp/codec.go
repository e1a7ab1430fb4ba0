package mbtcp

import "encoding/binary"

// Header MBAP 前綴
//
//	Transaction identifier: 2 bytes
//	Protocol identifier:    2 bytes
//	Length:                 2 bytes (unit id + PDU)
type Header struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
}

// Encode 編碼為 6 bytes
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLength)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	return buf
}

// ParseHeader 解析 MBAP 前綴
func ParseHeader(prefix []byte) (Header, error) {
	if len(prefix) < HeaderLength {
		return Header{}, invalidResponse("MBAP 前綴長度不足: %d", len(prefix))
	}
	return Header{
		TransactionID: binary.BigEndian.Uint16(prefix[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(prefix[2:4]),
		Length:        binary.BigEndian.Uint16(prefix[4:6]),
	}, nil
}

// maxResponseBody 指定功能碼的回應所能佔用的最大長度欄位值
func maxResponseBody(fc FunctionCode) int {
	switch fc {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		// unit id + 功能碼 + byte count + 暫存器
		return 1 + 2 + 2*MaxRegistersPerRead
	default:
		return maxBodyLength
	}
}

// EncodeReadHoldingRegisters 編碼讀取保持暫存器請求 (FC 03)
//
// 訊框: [tid:2][pid:2][length:2][unit:1][0x03][address:2][quantity:2]
func EncodeReadHoldingRegisters(tid uint16, unitID uint8, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > MaxRegistersPerRead {
		return nil, invalidRequest("數量必須介於 1-%d: %d", MaxRegistersPerRead, quantity)
	}

	const pduLength = 5
	frame := make([]byte, HeaderLength+1+pduLength)
	binary.BigEndian.PutUint16(frame[0:2], tid)
	binary.BigEndian.PutUint16(frame[2:4], ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], 1+pduLength)
	frame[6] = unitID
	frame[7] = byte(FuncReadHoldingRegisters)
	binary.BigEndian.PutUint16(frame[8:10], address)
	binary.BigEndian.PutUint16(frame[10:12], quantity)
	return frame, nil
}

// DecodeReadHoldingRegistersRequest 解碼讀取保持暫存器請求訊框
func DecodeReadHoldingRegistersRequest(frame []byte) (tid uint16, unitID uint8, address, quantity uint16, err error) {
	header, err := ParseHeader(frame)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if header.ProtocolID != ProtocolID {
		return 0, 0, 0, 0, invalidResponse("protocol id 不為 0: %d", header.ProtocolID)
	}
	if header.Length != 6 || len(frame) != HeaderLength+int(header.Length) {
		return 0, 0, 0, 0, invalidResponse("請求長度不符: length=%d frame=%d", header.Length, len(frame))
	}
	if fc := FunctionCode(frame[7]); fc != FuncReadHoldingRegisters {
		return 0, 0, 0, 0, invalidResponse("功能碼不符: %s", fc)
	}
	return header.TransactionID,
		frame[6],
		binary.BigEndian.Uint16(frame[8:10]),
		binary.BigEndian.Uint16(frame[10:12]),
		nil
}

// ResolveFrameLength 由 MBAP 前綴計算完整訊框長度 (含前綴)
func ResolveFrameLength(prefix []byte, fc FunctionCode) (int, error) {
	header, err := ParseHeader(prefix)
	if err != nil {
		return 0, err
	}
	if header.ProtocolID != ProtocolID {
		return 0, invalidResponse("protocol id 不為 0: %d", header.ProtocolID)
	}

	length := int(header.Length)
	if length < minBodyLength {
		return 0, invalidResponse("長度欄位過短: %d", length)
	}
	if length > maxBodyLength || length > maxResponseBody(fc) {
		return 0, invalidResponse("長度欄位過長: %d (function=%s)", length, fc)
	}
	return HeaderLength + length, nil
}

// DecodeReadHoldingRegistersResponse 解碼讀取保持暫存器回應
func DecodeReadHoldingRegistersResponse(frame []byte) ([]uint16, error) {
	header, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) != HeaderLength+int(header.Length) {
		return nil, invalidResponse("訊框長度 %d 與長度欄位 %d 不符", len(frame), header.Length)
	}
	if header.Length < minBodyLength {
		return nil, invalidResponse("長度欄位過短: %d", header.Length)
	}

	// 略過 unit id
	pdu := frame[HeaderLength+1:]
	fc := FunctionCode(pdu[0])
	if fc&exceptionFlag != 0 {
		return nil, &ExceptionError{
			Function: fc &^ exceptionFlag,
			Code:     ExceptionCode(pdu[1]),
		}
	}
	if fc != FuncReadHoldingRegisters {
		return nil, invalidResponse("功能碼不符: got=%s want=%s", fc, FuncReadHoldingRegisters)
	}

	byteCount := int(pdu[1])
	data := pdu[2:]
	if byteCount == 0 || byteCount%2 != 0 {
		return nil, invalidResponse("byte count 不合法: %d", byteCount)
	}
	if byteCount != len(data) {
		return nil, invalidResponse("byte count %d 與剩餘長度 %d 不符", byteCount, len(data))
	}

	registers := make([]uint16, byteCount/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers, nil
}
