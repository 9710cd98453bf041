package collector

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/K8sLoggingAgent/internal/clock"
	"github.com/Chichichkin/K8sLoggingAgent/internal/executor"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging/storage"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging/strategy"
	"github.com/Chichichkin/K8sLoggingAgent/internal/testutils"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const quiet = 50 * time.Millisecond

type harness struct {
	clock     *clock.FakeClock
	storage   *testutils.SpyStorage
	strategy  *testutils.MockStrategy
	transport *testutils.MockTransport
	channels  *testutils.MockChannelManager
	collector *Collector
}

func newHarness(t *testing.T, batch int64, timeout time.Duration) *harness {
	t.Helper()

	fake := clock.Fake(epoch)
	exec := executor.New(executor.DefaultConfig(), fake)
	exec.Start()
	t.Cleanup(exec.Stop)

	mem, err := storage.NewMemoryStorage(storage.DefaultMaxVolumeBytes)
	require.NoError(t, err)

	h := &harness{
		clock:     fake,
		storage:   testutils.NewSpyStorage(mem),
		strategy:  testutils.NewMockStrategy(batch, timeout),
		transport: testutils.NewMockTransport(),
		channels: &testutils.MockChannelManager{
			Active: &logging.ServerInfo{Kind: logging.TransportLogging, URL: "http://primary"},
		},
	}

	c, err := New(h.storage, h.strategy, exec, h.channels, Config{Clock: fake})
	require.NoError(t, err)
	c.SetTransport(h.transport)
	t.Cleanup(c.Stop)
	h.collector = c
	return h
}

func rec(size int) logging.LogRecord {
	return logging.NewLogRecord(bytes.Repeat([]byte{'r'}, size))
}

func (h *harness) fill(t *testing.T) logging.SyncRequest {
	t.Helper()
	var request logging.SyncRequest
	h.collector.FillSyncRequest(&request)
	return request
}

func TestNew_RejectsMissingDependencies(t *testing.T) {
	exec := executor.New(executor.DefaultConfig(), nil)
	mem, err := storage.NewMemoryStorage(100)
	require.NoError(t, err)
	strategy := testutils.NewMockStrategy(10, time.Second)

	_, err = New(nil, strategy, exec, nil, DefaultConfig())
	assert.ErrorIs(t, err, logging.ErrNilStorage)

	_, err = New(mem, nil, exec, nil, DefaultConfig())
	assert.ErrorIs(t, err, logging.ErrNilStrategy)

	_, err = New(mem, strategy, nil, nil, DefaultConfig())
	assert.ErrorIs(t, err, logging.ErrInvalidConfig)
}

func TestSetStrategyAndStorage_RejectNil(t *testing.T) {
	h := newHarness(t, 100, time.Minute)

	assert.ErrorIs(t, h.collector.SetStrategy(nil), logging.ErrNilStrategy)
	assert.ErrorIs(t, h.collector.SetStorage(nil), logging.ErrNilStorage)

	mem, err := storage.NewMemoryStorage(100)
	require.NoError(t, err)
	assert.NoError(t, h.collector.SetStorage(mem))
	assert.NoError(t, h.collector.SetStrategy(testutils.NewMockStrategy(10, time.Second)))
}

func TestAddLogRecord_AtMostOneSyncInFlight(t *testing.T) {
	h := newHarness(t, 100, time.Minute)

	h.collector.AddLogRecord(rec(10))
	testutils.WaitSignal(t, h.transport.Synced, "first sync")
	assert.True(t, h.collector.IsUploading())

	h.collector.AddLogRecord(rec(10))
	h.collector.UploadIfNeeded(true)
	h.collector.UploadIfNeeded(false)

	assert.Equal(t, 1, h.transport.Calls())
	assert.Equal(t, 1, h.collector.Metrics().SyncsRequested)
}

func TestUploadIfNeeded_NoopDecisionDoesNotSync(t *testing.T) {
	h := newHarness(t, 100, time.Minute)
	h.strategy.SetDecision(logging.Noop)

	h.collector.AddLogRecord(rec(10))

	assert.Equal(t, 0, h.transport.Calls())
	assert.False(t, h.collector.IsUploading())
	assert.Equal(t, 0, h.collector.PendingTasks())
}

func TestFillSyncRequest_TakesBlockWithinBatchSize(t *testing.T) {
	h := newHarness(t, 100, 5*time.Second)
	for i := 0; i < 3; i++ {
		h.collector.AddLogRecord(rec(40))
	}
	require.True(t, h.collector.IsUploading())

	request := h.fill(t)

	assert.Equal(t, int32(1), request.RequestID)
	assert.Len(t, request.Entries, 2)
	assert.False(t, h.collector.IsUploading())
	assert.Equal(t, []int32{1}, h.collector.OutstandingBlocks())
	assert.Equal(t, int64(1), h.storage.Status().RecordCount)
}

func TestFillSyncRequest_EmptyStorageClearsUploadingFlag(t *testing.T) {
	h := newHarness(t, 100, 5*time.Second)
	h.collector.AddLogRecord(rec(10))
	require.True(t, h.collector.IsUploading())

	// drained behind the collector's back
	block := h.storage.GetRecordBlock(100)
	require.NotNil(t, block)

	request := h.fill(t)

	assert.True(t, request.Empty())
	assert.False(t, h.collector.IsUploading())
	assert.Empty(t, h.collector.OutstandingBlocks())
}

func TestOnLogResponse_SuccessRoundTrip(t *testing.T) {
	h := newHarness(t, 100, 5*time.Second)
	h.collector.AddLogRecord(rec(30))
	h.collector.AddLogRecord(rec(30))

	request := h.fill(t)
	require.Len(t, request.Entries, 2)

	h.collector.OnLogResponse(logging.SyncResponse{DeliveryStatuses: []logging.DeliveryStatus{
		{RequestID: request.RequestID, Result: logging.Success},
	}})

	status := h.storage.Status()
	assert.Equal(t, int64(0), status.RecordCount)
	assert.Equal(t, int64(0), status.InFlightCount)
	assert.Empty(t, h.collector.OutstandingBlocks())

	removed, requeued := h.storage.Calls()
	assert.Equal(t, []int32{request.RequestID}, removed)
	assert.Empty(t, requeued)
	assert.Equal(t, 1, h.collector.Metrics().BlocksAcked)

	// nothing left, so the re-check does not sync again
	assert.Equal(t, 1, h.transport.Calls())
}

func TestOnLogResponse_SuccessRechecksPendingRecords(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)
	for i := 0; i < 3; i++ {
		h.collector.AddLogRecord(rec(40))
	}
	request := h.fill(t)
	require.Equal(t, 1, h.transport.Calls())

	h.collector.OnLogResponse(logging.SyncResponse{DeliveryStatuses: []logging.DeliveryStatus{
		{RequestID: request.RequestID, Result: logging.Success},
	}})

	assert.Equal(t, 2, h.transport.Calls())
	assert.True(t, h.collector.IsUploading())
}

func TestOnLogResponse_MixedResultsInvokeFailureOnce(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)
	h.collector.AddLogRecord(rec(40))
	h.collector.AddLogRecord(rec(40))

	first := h.fill(t)
	second := h.fill(t)
	require.NotEqual(t, first.RequestID, second.RequestID)
	syncsBefore := h.transport.Calls()

	h.collector.OnLogResponse(logging.SyncResponse{DeliveryStatuses: []logging.DeliveryStatus{
		{RequestID: first.RequestID, Result: logging.Failure, ErrorCode: logging.RemoteConnectionError},
		{RequestID: second.RequestID, Result: logging.Success},
	}})

	testutils.WaitSignal(t, h.strategy.Failed, "failure callback")
	testutils.NoSignal(t, h.strategy.Failed, quiet, "second failure callback")
	assert.Equal(t, []logging.DeliveryErrorCode{logging.RemoteConnectionError}, h.strategy.Failures())

	removed, requeued := h.storage.Calls()
	assert.Equal(t, []int32{second.RequestID}, removed)
	assert.Equal(t, []int32{first.RequestID}, requeued)

	status := h.storage.Status()
	assert.Equal(t, int64(1), status.RecordCount)
	assert.Equal(t, int64(0), status.InFlightCount)
	assert.Empty(t, h.collector.OutstandingBlocks())

	assert.Equal(t, syncsBefore, h.transport.Calls())
	assert.False(t, h.collector.IsUploading())
}

func TestOnLogResponse_FailureCallbackCanRetry(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)
	h.strategy.OnFailureHook = func(cmd logging.FailoverCommand, _ logging.DeliveryErrorCode) {
		cmd.SwitchAccessPoint()
		cmd.RetryLogUploadAfter(30 * time.Second)
	}
	h.collector.AddLogRecord(rec(40))
	testutils.WaitSignal(t, h.transport.Synced, "initial sync")
	request := h.fill(t)

	h.collector.OnLogResponse(logging.SyncResponse{DeliveryStatuses: []logging.DeliveryStatus{
		{RequestID: request.RequestID, Result: logging.Failure, ErrorCode: logging.RemoteInternalError},
	}})
	testutils.WaitSignal(t, h.strategy.Failed, "failure callback")
	require.Len(t, h.channels.Failed(), 1)
	assert.Equal(t, "http://primary", h.channels.Failed()[0].URL)

	h.clock.Advance(30 * time.Second)
	testutils.WaitSignal(t, h.transport.Synced, "retry sync")
	assert.Equal(t, 2, h.transport.Calls())
}

func TestIsDeliveryTimeout_RequeuesAllAndNotifiesOnce(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)
	h.collector.AddLogRecord(rec(40))
	h.collector.AddLogRecord(rec(40))
	first := h.fill(t)
	second := h.fill(t)

	h.clock.Advance(4 * time.Second)
	assert.False(t, h.collector.IsDeliveryTimeout())

	h.clock.Advance(2 * time.Second)
	assert.True(t, h.collector.IsDeliveryTimeout())

	testutils.WaitSignal(t, h.strategy.TimedOut, "timeout callback")
	testutils.NoSignal(t, h.strategy.TimedOut, quiet, "second timeout callback")
	assert.Equal(t, 1, h.strategy.Timeouts())

	_, requeued := h.storage.Calls()
	assert.ElementsMatch(t, []int32{first.RequestID, second.RequestID}, requeued)
	assert.Empty(t, h.collector.OutstandingBlocks())
	assert.Equal(t, int64(2), h.storage.Status().RecordCount)

	assert.False(t, h.collector.IsDeliveryTimeout())
	metrics := h.collector.Metrics()
	assert.Equal(t, 2, metrics.BlocksTimedOut)
	assert.Equal(t, 1, metrics.TimeoutSweeps)
}

func TestIsDeliveryTimeout_DeadlineCapturedAtSendTime(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)
	h.collector.AddLogRecord(rec(40))
	h.fill(t)

	require.NoError(t, h.collector.SetStrategy(testutils.NewMockStrategy(40, time.Hour)))
	h.clock.Advance(6 * time.Second)

	assert.True(t, h.collector.IsDeliveryTimeout())
}

func TestOnLogResponse_LateStatusAfterTimeoutIsNotDoubleCounted(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)
	h.collector.AddLogRecord(rec(40))
	request := h.fill(t)

	h.clock.Advance(6 * time.Second)
	require.True(t, h.collector.IsDeliveryTimeout())
	testutils.WaitSignal(t, h.strategy.TimedOut, "timeout callback")

	syncs := h.transport.Calls()
	h.collector.OnLogResponse(logging.SyncResponse{DeliveryStatuses: []logging.DeliveryStatus{
		{RequestID: request.RequestID, Result: logging.Failure, ErrorCode: logging.RemoteInternalError},
	}})
	// a failed status leaves the next upload to the strategy
	assert.Equal(t, syncs, h.transport.Calls())

	h.collector.OnLogResponse(logging.SyncResponse{DeliveryStatuses: []logging.DeliveryStatus{
		{RequestID: request.RequestID, Result: logging.Success},
	}})
	assert.Equal(t, syncs+1, h.transport.Calls())

	testutils.NoSignal(t, h.strategy.Failed, quiet, "failure callback for stale status")
	status := h.storage.Status()
	assert.Equal(t, int64(1), status.RecordCount)
	assert.Equal(t, int64(0), status.InFlightCount)

	metrics := h.collector.Metrics()
	assert.Equal(t, 2, metrics.StaleStatuses)
	assert.Equal(t, 0, metrics.BlocksFailed)
	assert.Equal(t, 0, metrics.BlocksAcked)
}

func TestScheduleLogUpload_ChecksOnceAfterDelay(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)
	h.storage.AddLogRecord(rec(40))

	h.collector.ScheduleLogUpload()
	assert.Equal(t, 1, h.collector.PendingTasks())

	h.clock.Advance(59 * time.Second)
	testutils.NoSignal(t, h.transport.Synced, quiet, "sync before delay")

	h.clock.Advance(time.Second)
	testutils.WaitSignal(t, h.transport.Synced, "scheduled sync")
	assert.Equal(t, 0, h.collector.PendingTasks())
	assert.Equal(t, 1, h.collector.Metrics().ScheduledChecks)
}

func TestScheduleLogUpload_TimeoutSkipsUpload(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)
	h.storage.AddLogRecord(rec(40))
	h.collector.ScheduleLogUpload()
	h.fill(t)
	require.Equal(t, 1, h.collector.PendingTasks(), "the pending check covers the block")

	h.clock.Advance(60 * time.Second)

	testutils.WaitSignal(t, h.strategy.TimedOut, "timeout callback")
	testutils.NoSignal(t, h.transport.Synced, quiet, "sync after timeout")
	assert.Equal(t, int64(1), h.storage.Status().RecordCount)
}

// droppingTransport takes blocks from the collector and never answers,
// like a transport whose every send fails.
type droppingTransport struct {
	collector *Collector
	sent      chan struct{}

	mu       sync.Mutex
	requests []logging.SyncRequest
}

func newDroppingTransport(c *Collector) *droppingTransport {
	return &droppingTransport{collector: c, sent: make(chan struct{}, 10)}
}

func (d *droppingTransport) Sync() {
	var request logging.SyncRequest
	d.collector.FillSyncRequest(&request)
	if request.Empty() {
		return
	}
	d.mu.Lock()
	d.requests = append(d.requests, request)
	d.mu.Unlock()
	d.sent <- struct{}{}
}

func (d *droppingTransport) Requests() []logging.SyncRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]logging.SyncRequest(nil), d.requests...)
}

func TestDeliveryCheck_RequeuesLostBlockWithDefaultSettings(t *testing.T) {
	fake := clock.Fake(epoch)
	exec := executor.New(executor.DefaultConfig(), fake)
	exec.Start()
	t.Cleanup(exec.Stop)

	mem, err := storage.NewMemoryStorage(storage.DefaultMaxVolumeBytes)
	require.NoError(t, err)
	eager, err := strategy.NewEager(strategy.DefaultConfig())
	require.NoError(t, err)
	channels := &testutils.MockChannelManager{
		Active: &logging.ServerInfo{Kind: logging.TransportLogging, URL: "http://primary"},
	}

	c, err := New(mem, eager, exec, channels, Config{Clock: fake})
	require.NoError(t, err)
	tr := newDroppingTransport(c)
	c.SetTransport(tr)
	t.Cleanup(c.Stop)

	c.AddLogRecord(rec(10))
	testutils.WaitSignal(t, tr.sent, "first send")
	first := tr.Requests()[0]

	// the upload check runs before the block is due and stays armed for it
	fake.Advance(DefaultUploadCheckDelay)
	require.Eventually(t, func() bool {
		return c.Metrics().ScheduledChecks == 1 && fake.PendingCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{first.RequestID}, c.OutstandingBlocks())
	assert.Zero(t, c.Metrics().BlocksTimedOut)

	fake.Advance(strategy.DefaultTimeout - DefaultUploadCheckDelay)
	testutils.WaitSignal(t, tr.sent, "resend after timeout")

	requests := tr.Requests()
	require.Len(t, requests, 2)
	second := requests[1]
	assert.Equal(t, first.Entries, second.Entries)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, c.Metrics().BlocksTimedOut)
	assert.Len(t, channels.Failed(), 1)
	assert.Equal(t, []int32{second.RequestID}, c.OutstandingBlocks())
}

func TestUploadIfNeeded_AgedStrategyFlushesHeldBackRecords(t *testing.T) {
	h := newHarness(t, 100, time.Minute)
	config := strategy.DefaultThresholdConfig()
	config.VolumeThreshold = 1 << 20
	config.CountThreshold = 1000
	config.MaxRecordAge = 10 * time.Second
	config.Clock = h.clock
	threshold, err := strategy.NewThreshold(config)
	require.NoError(t, err)
	require.NoError(t, h.collector.SetStrategy(threshold))

	h.collector.AddLogRecord(rec(10))
	assert.Equal(t, 0, h.transport.Calls())
	assert.Equal(t, 1, h.collector.PendingTasks())

	// more records below the watermarks do not stack up checks
	h.collector.AddLogRecord(rec(10))
	assert.Equal(t, 1, h.collector.PendingTasks())

	h.clock.Advance(9 * time.Second)
	testutils.NoSignal(t, h.transport.Synced, quiet, "sync before the age limit")

	h.clock.Advance(time.Second)
	testutils.WaitSignal(t, h.transport.Synced, "sync at the age limit")
	assert.Equal(t, 1, h.transport.Calls())
}

func TestUploadIfNeeded_NoArmedCheckWithNothingInFlight(t *testing.T) {
	h := newHarness(t, 100, 5*time.Second)
	h.storage.AddLogRecord(rec(10))

	request := h.fill(t)
	assert.Equal(t, 1, h.collector.PendingTasks())

	h.collector.OnLogResponse(logging.SyncResponse{DeliveryStatuses: []logging.DeliveryStatus{
		{RequestID: request.RequestID, Result: logging.Success},
	}})

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return h.collector.Metrics().ScheduledChecks == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.collector.PendingTasks() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.collector.Metrics().BlocksTimedOut)
}

func TestFailoverController_SwitchAccessPoint(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)

	h.collector.controller.SwitchAccessPoint()
	require.Len(t, h.channels.Failed(), 1)

	h.channels.Active = nil
	h.collector.controller.SwitchAccessPoint()
	assert.Len(t, h.channels.Failed(), 1)
}

func TestFailoverController_RetryLogUpload(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)
	h.storage.AddLogRecord(rec(10))

	h.collector.controller.RetryLogUpload()
	testutils.WaitSignal(t, h.transport.Synced, "retry sync")
	assert.Equal(t, 1, h.collector.PendingTasks())
}

func TestStop_CancelsScheduledWork(t *testing.T) {
	h := newHarness(t, 40, 5*time.Second)
	h.collector.AddLogRecord(rec(10))
	h.collector.controller.RetryLogUploadAfter(10 * time.Second)
	require.Equal(t, 2, h.collector.PendingTasks())
	h.fill(t)

	h.collector.Stop()
	assert.Equal(t, 0, h.collector.PendingTasks())

	h.clock.Advance(2 * time.Minute)
	h.collector.AddLogRecord(rec(10))
	testutils.NoSignal(t, h.strategy.TimedOut, quiet, "timeout check after stop")
	assert.Equal(t, 1, h.transport.Calls())
}

func TestCollector_ConcurrentProducersAndTransport(t *testing.T) {
	h := newHarness(t, 100, time.Minute)
	const producers, perProducer = 4, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				h.collector.AddLogRecord(rec(10))
			}
		}()
	}

	acked := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for acked < producers*perProducer {
			request := h.fill(t)
			if request.Empty() {
				continue
			}
			h.collector.OnLogResponse(logging.SyncResponse{DeliveryStatuses: []logging.DeliveryStatus{
				{RequestID: request.RequestID, Result: logging.Success},
			}})
			acked += len(request.Entries)
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transport loop did not drain storage")
	}

	status := h.storage.Status()
	assert.Equal(t, producers*perProducer, acked)
	assert.Equal(t, int64(0), status.RecordCount)
	assert.Equal(t, int64(0), status.InFlightCount)
	assert.Empty(t, h.collector.OutstandingBlocks())
}
