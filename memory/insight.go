package memory

import (
	"encoding/json"
	"time"
)

// Insight 一次练习会话结束时写入的原始洞察, 写入后载荷不可变
type Insight struct {
	ID           string     `json:"id"`
	StudentID    string     `json:"student_id"`
	SessionID    string     `json:"session_id,omitempty"`
	Module       Module     `json:"module"`
	Payload      Payload    `json:"payload"`
	Compressed   bool       `json:"compressed"`
	CompressedAt *time.Time `json:"compressed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// UnmarshalJSON 按 module 字段选择载荷结构
func (i *Insight) UnmarshalJSON(data []byte) error {
	type alias Insight
	var aux struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*i = Insight(aux.alias)
	if len(aux.Payload) > 0 && string(aux.Payload) != "null" {
		p, err := DecodePayload(aux.Module, aux.Payload)
		if err != nil {
			return err
		}
		i.Payload = p
	}
	return nil
}

// InsightQuery 洞察查询条件
type InsightQuery struct {
	OnlyUncompressed bool
	// 0 表示不限
	Limit int
}
