package mbtcp

import "time"

// nowFunc 可於測試中替換
var nowFunc = time.Now

// Data 讀取結果
type Data struct {
	// Result 暫存器值，順序與設備回傳一致
	Result []uint16 `json:"result"`
	// Timestamp 建立時間 (Unix 毫秒)
	Timestamp int64 `json:"timestamp"`
	// Elapsed 從送出請求到解碼完成的毫秒數，未完成往返時為 nil
	Elapsed *int64 `json:"elapsed_ms,omitempty"`
}

// NewData 建立讀取結果並標記當下時間
func NewData(result []uint16, elapsed *int64) *Data {
	return &Data{
		Result:    result,
		Timestamp: nowFunc().UnixMilli(),
		Elapsed:   elapsed,
	}
}

// ElapsedMillis 取得往返時間
func (d *Data) ElapsedMillis() (int64, bool) {
	if d.Elapsed == nil {
		return 0, false
	}
	return *d.Elapsed, true
}

// Time 將 Timestamp 轉為 time.Time
func (d *Data) Time() time.Time {
	return time.UnixMilli(d.Timestamp)
}
