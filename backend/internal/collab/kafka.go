package collab

import (
	"time"

	"collabOT/backend/internal/ot"
)

const EventOpApplied = "OP_APPLIED"

// DocOpEvent 是每个已提交操作发往 Kafka 的事件，以 RoomID 作为分区 key
type DocOpEvent struct {
	EventType   string       `json:"eventType"` // 固定 "OP_APPLIED"
	RoomID      string       `json:"roomId"`
	OperationID string       `json:"operationId"`
	Version     uint64       `json:"version"`
	BaseVersion uint64       `json:"baseVersion"` // 客户端提交时的 base
	ClientID    string       `json:"clientId"`
	Op          ot.Operation `json:"op"` // 改写后的操作
	AppliedAt   time.Time    `json:"appliedAt"`
}
