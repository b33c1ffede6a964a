package amqp

import (
	"encoding/json"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/pipeline"
)

// RunRequestMessage asks a worker to reconcile one batch.
// Either Source names a gs:// batch or Records carries it inline.
type RunRequestMessage struct {
	JobID     string             `json:"job_id"`
	Source    string             `json:"source"`
	Records   []ledger.RawRecord `json:"records,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ReviewNoticeMessage announces one record that needs manual attention.
type ReviewNoticeMessage struct {
	RunID string `json:"run_id"`
	pipeline.ReviewItem
	Timestamp time.Time `json:"timestamp"`
}

// NewRunRequestMessage creates a run request stamped with the current time.
func NewRunRequestMessage(jobID, source string, records []ledger.RawRecord) *RunRequestMessage {
	return &RunRequestMessage{
		JobID:     jobID,
		Source:    source,
		Records:   records,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *RunRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RunRequestMessageFromJSON creates a message from JSON bytes
func RunRequestMessageFromJSON(data []byte) (*RunRequestMessage, error) {
	var msg RunRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ToJSON converts the message to JSON bytes
func (m *ReviewNoticeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ReviewNoticeMessageFromJSON creates a message from JSON bytes
func ReviewNoticeMessageFromJSON(data []byte) (*ReviewNoticeMessage, error) {
	var msg ReviewNoticeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
