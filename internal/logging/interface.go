package logging

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNilStrategy   = errors.New("log upload strategy is nil")
	ErrNilStorage    = errors.New("log storage is nil")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// LogRecord is a single serialized log payload. Records are immutable once created.
type LogRecord struct {
	Data []byte
	Size int64
}

func NewLogRecord(data []byte) LogRecord {
	return LogRecord{Data: data, Size: int64(len(data))}
}

// LogBlock is a batch of records handed out under one tracking id.
type LogBlock struct {
	ID      int32
	Records []LogRecord
}

func (b LogBlock) SizeBytes() int64 {
	var total int64
	for _, r := range b.Records {
		total += r.Size
	}
	return total
}

// StorageStatus is a snapshot of pending storage totals. RecordCount and
// ConsumedVolume only cover records that are not part of an in-flight block.
type StorageStatus struct {
	RecordCount    int64
	ConsumedVolume int64
	InFlightCount  int64
	DroppedCount   int64
}

type LogStorage interface {
	Status() StorageStatus
	AddLogRecord(record LogRecord)
	// GetRecordBlock returns nil when nothing is pending.
	GetRecordBlock(limitBytes int64) *LogBlock
	RemoveRecordBlock(id int32)
	NotifyUploadFailed(id int32)
}

// RecordSink is what record producers write to.
type RecordSink interface {
	AddLogRecord(record LogRecord)
}

type UploadDecision int

const (
	Noop UploadDecision = iota
	Upload
)

func (d UploadDecision) String() string {
	switch d {
	case Upload:
		return "UPLOAD"
	default:
		return "NOOP"
	}
}

type DeliveryErrorCode int

const (
	NoAppendersConfigured DeliveryErrorCode = iota + 1
	AppenderInternalError
	RemoteConnectionError
	RemoteInternalError
)

func (c DeliveryErrorCode) String() string {
	switch c {
	case NoAppendersConfigured:
		return "NO_APPENDERS_CONFIGURED"
	case AppenderInternalError:
		return "APPENDER_INTERNAL_ERROR"
	case RemoteConnectionError:
		return "REMOTE_CONNECTION_ERROR"
	case RemoteInternalError:
		return "REMOTE_INTERNAL_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

type UploadStrategy interface {
	IsUploadNeeded(status StorageStatus) UploadDecision
	BatchSizeBytes() int64
	Timeout() time.Duration
	OnTimeout(cmd FailoverCommand)
	OnFailure(cmd FailoverCommand, code DeliveryErrorCode)
}

// AgedUploadStrategy bounds how long records may wait below the upload
// watermarks. The collector re-asks IsUploadNeeded once MaxRecordAge has
// passed, even if no new record arrives.
type AgedUploadStrategy interface {
	UploadStrategy
	// MaxRecordAge of zero disables the limit.
	MaxRecordAge() time.Duration
}

// FailoverCommand is the set of recovery actions a strategy may take.
type FailoverCommand interface {
	SwitchAccessPoint()
	RetryLogUpload()
	RetryLogUploadAfter(delay time.Duration)
}

type SyncResult int

const (
	Success SyncResult = iota
	Failure
)

func (r SyncResult) String() string {
	if r == Success {
		return "SUCCESS"
	}
	return "FAILURE"
}

// SyncRequest carries one block. RequestID 0 means the request is empty.
type SyncRequest struct {
	RequestID int32    `json:"request_id" cbor:"request_id"`
	Entries   [][]byte `json:"entries" cbor:"entries"`
}

func (r *SyncRequest) Empty() bool {
	return r.RequestID == 0 && len(r.Entries) == 0
}

type DeliveryStatus struct {
	RequestID int32             `json:"request_id" cbor:"request_id"`
	Result    SyncResult        `json:"result" cbor:"result"`
	ErrorCode DeliveryErrorCode `json:"error_code,omitempty" cbor:"error_code,omitempty"`
}

type SyncResponse struct {
	DeliveryStatuses []DeliveryStatus `json:"delivery_statuses" cbor:"delivery_statuses"`
}

// Transport performs network sync rounds. Sync must not block.
type Transport interface {
	Sync()
}

// SyncProcessor is the side of the collector a transport talks to.
type SyncProcessor interface {
	FillSyncRequest(request *SyncRequest)
	OnLogResponse(response SyncResponse)
}

type TransportKind string

const TransportLogging TransportKind = "logging"

type ServerInfo struct {
	Kind TransportKind
	URL  string
}

type ChannelManager interface {
	ActiveServer(kind TransportKind) *ServerInfo
	OnServerFailed(server *ServerInfo)
}
