package daemon

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

// Entry is one tailed line as it travels inside a log record.
type Entry struct {
	Timestamp time.Time         `json:"ts"`
	Message   string            `json:"msg"`
	File      string            `json:"file"`
	Labels    map[string]string `json:"labels,omitempty"`
}

func EncodeEntry(entry Entry) (logging.LogRecord, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return logging.LogRecord{}, fmt.Errorf("failed to encode log entry: %w", err)
	}
	return logging.NewLogRecord(data), nil
}

func DecodeEntry(record logging.LogRecord) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(record.Data, &entry); err != nil {
		return Entry{}, fmt.Errorf("failed to decode log entry: %w", err)
	}
	return entry, nil
}
