package mbtcp

import (
	"errors"
	"fmt"
)

// 錯誤分類
var (
	// ErrIO 傳輸層錯誤，所有 *IOError 皆符合 errors.Is(err, ErrIO)
	ErrIO = errors.New("modbus: I/O 錯誤")
	// ErrInvalidResponse 回應訊框或內容不合法
	ErrInvalidResponse = errors.New("modbus: 無效的回應")
	// ErrInvalidFunction 請求的功能沒有實作
	ErrInvalidFunction = errors.New("modbus: 不支援的功能")
	// ErrRequest 請求無法編碼
	ErrRequest = errors.New("modbus: 無效的請求")
)

// errConnect 連線失敗的原因，視為逾時
var errConnect = &timeoutError{msg: "無法連線"}

type timeoutError struct {
	msg string
}

func (e *timeoutError) Error() string { return e.msg }

func (e *timeoutError) Timeout() bool { return true }

// IOError 包裝網路或 socket 錯誤
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	if e.Op == "" {
		return "modbus: I/O 錯誤: " + e.Err.Error()
	}
	return fmt.Sprintf("modbus: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is 讓 errors.Is(err, ErrIO) 成立
func (e *IOError) Is(target error) bool { return target == ErrIO }

// Timeout 底層錯誤是否為逾時
func (e *IOError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

func wrapIO(op string, err error) error {
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Op: op, Err: err}
}

// ExceptionError 從站回傳的異常回應，屬於 ErrInvalidResponse
type ExceptionError struct {
	Function FunctionCode
	Code     ExceptionCode
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: 異常回應 function=%s code=0x%02X (%s)", e.Function, uint8(e.Code), e.Code)
}

// Is 讓 errors.Is(err, ErrInvalidResponse) 成立
func (e *ExceptionError) Is(target error) bool { return target == ErrInvalidResponse }

// ErrorKind 錯誤類別
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindIO
	KindInvalidResponse
	KindInvalidFunction
	KindRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindInvalidResponse:
		return "invalid_response"
	case KindInvalidFunction:
		return "invalid_function"
	case KindRequest:
		return "request_error"
	default:
		return "unknown"
	}
}

// KindOf 取得錯誤類別，nil 回傳 KindUnknown
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrInvalidResponse):
		return KindInvalidResponse
	case errors.Is(err, ErrInvalidFunction):
		return KindInvalidFunction
	case errors.Is(err, ErrRequest):
		return KindRequest
	default:
		return KindUnknown
	}
}

func invalidResponse(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidResponse}, args...)...)
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrRequest}, args...)...)
}
