package event

import "time"

// TopicSubmission 提交结果事件主题
const TopicSubmission = "relay_events_submission"

// SubmissionEvent 每次提交 (直连或 relay) 的结果
// Topic: relay_events_submission
type SubmissionEvent struct {
	Path      string         `json:"path"` // direct / relay
	Kind      string         `json:"kind"` // transaction / bundle
	ID        string         `json:"id,omitempty"`
	TxCount   int            `json:"tx_count"`
	Success   bool           `json:"success"`
	Attempts  int            `json:"attempts"`
	Failures  map[string]int `json:"failures,omitempty"` // 错误文本 -> 次数
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
