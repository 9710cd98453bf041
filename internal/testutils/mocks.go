package testutils

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

const signalBuffer = 64

// WaitSignal fails the test if nothing arrives on ch within two seconds.
func WaitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// NoSignal fails the test if something arrives on ch within wait.
func NoSignal(t *testing.T, ch <-chan struct{}, wait time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(wait):
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type MockTransport struct {
	mu        sync.Mutex
	SyncCalls int
	Synced    chan struct{}
}

func NewMockTransport() *MockTransport {
	return &MockTransport{Synced: make(chan struct{}, signalBuffer)}
}

func (m *MockTransport) Sync() {
	m.mu.Lock()
	m.SyncCalls++
	m.mu.Unlock()
	notify(m.Synced)
}

func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SyncCalls
}

// MockStrategy uploads whenever records are pending unless Decision is set.
type MockStrategy struct {
	mu           sync.Mutex
	Decision     *logging.UploadDecision
	Batch        int64
	TimeoutAfter time.Duration

	TimeoutCalls int
	FailureCodes []logging.DeliveryErrorCode
	TimedOut     chan struct{}
	Failed       chan struct{}

	// OnFailureHook and OnTimeoutHook run inside the callbacks when set.
	OnFailureHook func(cmd logging.FailoverCommand, code logging.DeliveryErrorCode)
	OnTimeoutHook func(cmd logging.FailoverCommand)
}

func NewMockStrategy(batch int64, timeout time.Duration) *MockStrategy {
	return &MockStrategy{
		Batch:        batch,
		TimeoutAfter: timeout,
		TimedOut:     make(chan struct{}, signalBuffer),
		Failed:       make(chan struct{}, signalBuffer),
	}
}

func (m *MockStrategy) SetDecision(d logging.UploadDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Decision = &d
}

func (m *MockStrategy) IsUploadNeeded(status logging.StorageStatus) logging.UploadDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Decision != nil {
		return *m.Decision
	}
	if status.RecordCount > 0 {
		return logging.Upload
	}
	return logging.Noop
}

func (m *MockStrategy) BatchSizeBytes() int64 {
	return m.Batch
}

func (m *MockStrategy) Timeout() time.Duration {
	return m.TimeoutAfter
}

func (m *MockStrategy) OnTimeout(cmd logging.FailoverCommand) {
	m.mu.Lock()
	m.TimeoutCalls++
	hook := m.OnTimeoutHook
	m.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	notify(m.TimedOut)
}

func (m *MockStrategy) OnFailure(cmd logging.FailoverCommand, code logging.DeliveryErrorCode) {
	m.mu.Lock()
	m.FailureCodes = append(m.FailureCodes, code)
	hook := m.OnFailureHook
	m.mu.Unlock()
	if hook != nil {
		hook(cmd, code)
	}
	notify(m.Failed)
}

func (m *MockStrategy) Timeouts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TimeoutCalls
}

func (m *MockStrategy) Failures() []logging.DeliveryErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.DeliveryErrorCode(nil), m.FailureCodes...)
}

type MockFailoverCommand struct {
	mu          sync.Mutex
	Switches    int
	Retries     int
	RetryDelays []time.Duration
}

func (m *MockFailoverCommand) SwitchAccessPoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Switches++
}

func (m *MockFailoverCommand) RetryLogUpload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries++
}

func (m *MockFailoverCommand) RetryLogUploadAfter(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetryDelays = append(m.RetryDelays, delay)
}

func (m *MockFailoverCommand) GetStats() (int, int, []time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Switches, m.Retries, append([]time.Duration(nil), m.RetryDelays...)
}

type MockChannelManager struct {
	mu          sync.Mutex
	Active      *logging.ServerInfo
	FailedCalls []*logging.ServerInfo
}

func (m *MockChannelManager) ActiveServer(kind logging.TransportKind) *logging.ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Active == nil || m.Active.Kind != kind {
		return nil
	}
	return m.Active
}

func (m *MockChannelManager) OnServerFailed(server *logging.ServerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedCalls = append(m.FailedCalls, server)
}

func (m *MockChannelManager) Failed() []*logging.ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*logging.ServerInfo(nil), m.FailedCalls...)
}

// SpyStorage records the block ids passed to a wrapped storage.
type SpyStorage struct {
	logging.LogStorage

	mu       sync.Mutex
	Removed  []int32
	Requeued []int32
}

func NewSpyStorage(inner logging.LogStorage) *SpyStorage {
	return &SpyStorage{LogStorage: inner}
}

func (s *SpyStorage) RemoveRecordBlock(id int32) {
	s.mu.Lock()
	s.Removed = append(s.Removed, id)
	s.mu.Unlock()
	s.LogStorage.RemoveRecordBlock(id)
}

func (s *SpyStorage) NotifyUploadFailed(id int32) {
	s.mu.Lock()
	s.Requeued = append(s.Requeued, id)
	s.mu.Unlock()
	s.LogStorage.NotifyUploadFailed(id)
}

func (s *SpyStorage) Calls() (removed, requeued []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int32(nil), s.Removed...), append([]int32(nil), s.Requeued...)
}

type MockRecordSink struct {
	mu      sync.Mutex
	Records []logging.LogRecord
	Added   chan struct{}
}

func NewMockRecordSink() *MockRecordSink {
	return &MockRecordSink{Added: make(chan struct{}, 1024)}
}

func (m *MockRecordSink) AddLogRecord(record logging.LogRecord) {
	m.mu.Lock()
	m.Records = append(m.Records, record)
	m.mu.Unlock()
	notify(m.Added)
}

func (m *MockRecordSink) GetRecords() []logging.LogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.LogRecord(nil), m.Records...)
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
