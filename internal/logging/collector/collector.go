// Package collector ties log storage, the upload strategy and the transport
// together. It hands blocks to the transport, tracks their delivery deadlines
// and routes failures and timeouts to the strategy.
package collector

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/K8sLoggingAgent/internal/clock"
	"github.com/Chichichkin/K8sLoggingAgent/internal/executor"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

const DefaultUploadCheckDelay = 60 * time.Second

type Config struct {
	// UploadCheckDelay is how long after an upload the collector checks
	// for delivery timeouts and pending records again.
	UploadCheckDelay time.Duration
	Clock            clock.Clock
}

func DefaultConfig() Config {
	return Config{
		UploadCheckDelay: DefaultUploadCheckDelay,
		Clock:            clock.Real(),
	}
}

// Collector is safe for concurrent use by producers, the transport and
// scheduled tasks. Storage access, the uploading flag and the timeout
// entries share one lock. Transport and strategy callbacks are always
// invoked with the lock released.
type Collector struct {
	mu        sync.Mutex
	storage   logging.LogStorage
	strategy  logging.UploadStrategy
	transport logging.Transport
	uploading bool
	timeouts  map[int32]time.Time
	stopped   bool
	// checksPending counts scheduled upload checks not yet run.
	checksPending int
	taskSeq       uint64
	tasks     map[uint64]*executor.Handle

	channels         logging.ChannelManager
	executor         *executor.Context
	clock            clock.Clock
	uploadCheckDelay time.Duration
	controller       *failoverController
	metrics          *Metrics
}

func New(
	storage logging.LogStorage,
	strategy logging.UploadStrategy,
	exec *executor.Context,
	channels logging.ChannelManager,
	config Config,
) (*Collector, error) {
	if storage == nil {
		return nil, logging.ErrNilStorage
	}
	if strategy == nil {
		return nil, logging.ErrNilStrategy
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: executor context is nil", logging.ErrInvalidConfig)
	}
	if config.UploadCheckDelay <= 0 {
		config.UploadCheckDelay = DefaultUploadCheckDelay
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	c := &Collector{
		storage:          storage,
		strategy:         strategy,
		timeouts:         make(map[int32]time.Time),
		tasks:            make(map[uint64]*executor.Handle),
		channels:         channels,
		executor:         exec,
		clock:            config.Clock,
		uploadCheckDelay: config.UploadCheckDelay,
		metrics:          &Metrics{},
	}
	c.controller = &failoverController{collector: c}
	return c, nil
}

// SetTransport binds the transport that performs sync rounds. The transport
// usually needs the collector as its logging.SyncProcessor, so it is bound
// after construction.
func (c *Collector) SetTransport(transport logging.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = transport
}

func (c *Collector) SetStrategy(strategy logging.UploadStrategy) error {
	if strategy == nil {
		return logging.ErrNilStrategy
	}
	c.mu.Lock()
	c.strategy = strategy
	c.mu.Unlock()

	log.Info().Str("strategy", fmt.Sprintf("%T", strategy)).Msg("New log upload strategy was set")
	return nil
}

func (c *Collector) SetStorage(storage logging.LogStorage) error {
	if storage == nil {
		return logging.ErrNilStorage
	}
	c.mu.Lock()
	c.storage = storage
	c.mu.Unlock()

	log.Info().Str("storage", fmt.Sprintf("%v", storage)).Msg("New log storage was set")
	return nil
}

func (c *Collector) Start() {
	log.Info().Dur("upload_check_delay", c.uploadCheckDelay).Msg("Starting log collector")
	c.UploadIfNeeded(true)
}

// Stop cancels pending retries and upload checks. Responses that arrive
// afterwards are still applied to storage.
func (c *Collector) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.checksPending = 0
	handles := make([]*executor.Handle, 0, len(c.tasks))
	for _, h := range c.tasks {
		if h != nil {
			handles = append(handles, h)
		}
	}
	c.tasks = make(map[uint64]*executor.Handle)
	c.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	log.Info().Int("cancelled_tasks", len(handles)).Msg("Log collector stopped")
}

func (c *Collector) Metrics() Metrics {
	return c.metrics.GetMetricsStamp()
}

// AddLogRecord stores a record and starts an upload if the strategy asks for one.
func (c *Collector) AddLogRecord(record logging.LogRecord) {
	c.mu.Lock()
	c.storage.AddLogRecord(record)
	c.mu.Unlock()

	c.UploadIfNeeded(true)
}

// FillSyncRequest hands the next block to the transport. Every block it
// hands out is covered by a pending check until its status arrives or it
// times out.
func (c *Collector) FillSyncRequest(request *logging.SyncRequest) {
	if c.fill(request) {
		c.armCheck()
	}
}

func (c *Collector) fill(request *logging.SyncRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.uploading = false

	if c.storage.Status().RecordCount == 0 {
		log.Debug().Msg("Log storage is empty")
		return false
	}

	block := c.storage.GetRecordBlock(c.strategy.BatchSizeBytes())
	if block == nil || len(block.Records) == 0 {
		log.Warn().Int64("batch_size", c.strategy.BatchSizeBytes()).Msg("Storage returned no log block")
		return false
	}

	entries := make([][]byte, len(block.Records))
	for i, record := range block.Records {
		entries[i] = record.Data
	}
	request.RequestID = block.ID
	request.Entries = entries

	deadline := c.clock.Now().Add(c.strategy.Timeout())
	c.timeouts[block.ID] = deadline
	c.metrics.IncBlocksSent()

	log.Debug().
		Int32("block_id", block.ID).
		Int("records", len(entries)).
		Time("deadline", deadline).
		Msg("Sending log block")
	return true
}

func (c *Collector) OnLogResponse(response logging.SyncResponse) {
	type failure struct {
		strategy logging.UploadStrategy
		code     logging.DeliveryErrorCode
	}

	c.mu.Lock()
	var failures []failure
	anyFailed := false
	for _, status := range response.DeliveryStatuses {
		_, tracked := c.timeouts[status.RequestID]
		delete(c.timeouts, status.RequestID)

		if status.Result == logging.Success {
			c.storage.RemoveRecordBlock(status.RequestID)
		} else {
			c.storage.NotifyUploadFailed(status.RequestID)
			anyFailed = true
		}

		if !tracked {
			c.metrics.IncStaleStatuses()
			log.Debug().
				Int32("block_id", status.RequestID).
				Stringer("result", status.Result).
				Msg("Ignoring delivery status for untracked block")
			continue
		}

		if status.Result == logging.Success {
			c.metrics.IncBlocksAcked()
			continue
		}
		c.metrics.IncBlocksFailed()
		log.Warn().
			Int32("block_id", status.RequestID).
			Stringer("error_code", status.ErrorCode).
			Msg("Log block delivery failed")
		failures = append(failures, failure{strategy: c.strategy, code: status.ErrorCode})
	}
	c.mu.Unlock()

	for _, f := range failures {
		c.executor.Execute(func() {
			f.strategy.OnFailure(c.controller, f.code)
		})
	}

	// a failed status leaves the next upload to the strategy, even when
	// the status itself was stale
	if !anyFailed {
		c.UploadIfNeeded(true)
	}
}

// IsDeliveryTimeout requeues every outstanding block once any of them is
// past its deadline and notifies the strategy once.
func (c *Collector) IsDeliveryTimeout() bool {
	c.mu.Lock()
	now := c.clock.Now()
	expired := false
	for _, deadline := range c.timeouts {
		if !now.Before(deadline) {
			expired = true
			break
		}
	}
	if !expired {
		c.mu.Unlock()
		return false
	}

	requeued := make([]int32, 0, len(c.timeouts))
	for id := range c.timeouts {
		c.storage.NotifyUploadFailed(id)
		requeued = append(requeued, id)
	}
	c.timeouts = make(map[int32]time.Time)
	strategy := c.strategy
	c.mu.Unlock()

	c.metrics.AddBlocksTimedOut(len(requeued))
	log.Info().Int("blocks", len(requeued)).Msg("Log delivery timeout detected")

	c.executor.Execute(func() {
		strategy.OnTimeout(c.controller)
	})
	return true
}

func (c *Collector) UploadIfNeeded(scheduleFollowup bool) {
	c.mu.Lock()
	if c.stopped || c.uploading {
		c.mu.Unlock()
		return
	}
	if c.strategy.IsUploadNeeded(c.storage.Status()) != logging.Upload {
		_, aged := c.strategy.(logging.AgedUploadStrategy)
		c.mu.Unlock()
		if aged {
			c.armCheck()
		}
		return
	}
	transport := c.transport
	if transport == nil {
		c.mu.Unlock()
		log.Warn().Msg("Log upload needed but no transport is bound")
		return
	}
	c.uploading = true
	c.mu.Unlock()

	if scheduleFollowup {
		c.ScheduleLogUpload()
	}
	c.metrics.IncSyncsRequested()
	transport.Sync()
}

// ScheduleLogUpload runs one deferred check: a timeout sweep, then an upload
// if nothing timed out.
func (c *Collector) ScheduleLogUpload() {
	c.mu.Lock()
	c.checksPending++
	c.mu.Unlock()
	c.schedule(c.uploadCheckDelay, c.runCheck)
}

func (c *Collector) runCheck() {
	c.mu.Lock()
	if c.checksPending > 0 {
		c.checksPending--
	}
	c.mu.Unlock()

	c.metrics.IncScheduledChecks()
	if !c.IsDeliveryTimeout() {
		c.UploadIfNeeded(false)
	}
	c.armCheck()
}

// armCheck keeps one check pending while blocks await a status or an aged
// strategy holds records back. With nothing in flight or held back it
// schedules nothing.
func (c *Collector) armCheck() {
	c.mu.Lock()
	if c.stopped || c.checksPending > 0 {
		c.mu.Unlock()
		return
	}
	delay, needed := c.nextCheckLocked()
	if !needed {
		c.mu.Unlock()
		return
	}
	c.checksPending++
	c.mu.Unlock()

	log.Debug().Dur("delay", delay).Msg("Armed log delivery check")
	c.schedule(delay, c.runCheck)
}

// nextCheckLocked returns the delay until the earliest delivery deadline or
// the age limit of held back records, whichever comes first.
func (c *Collector) nextCheckLocked() (time.Duration, bool) {
	var next time.Duration
	found := false
	now := c.clock.Now()
	for _, deadline := range c.timeouts {
		if d := deadline.Sub(now); !found || d < next {
			next, found = d, true
		}
	}
	if aged, ok := c.strategy.(logging.AgedUploadStrategy); ok {
		if age := aged.MaxRecordAge(); age > 0 && c.storage.Status().RecordCount > 0 && (!found || age < next) {
			next, found = age, true
		}
	}
	return next, found
}

// schedule runs task after delay unless the collector stops first.
func (c *Collector) schedule(delay time.Duration, task func()) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.taskSeq++
	key := c.taskSeq
	c.tasks[key] = nil
	c.mu.Unlock()

	handle := c.executor.Schedule(delay, func() {
		c.mu.Lock()
		_, live := c.tasks[key]
		delete(c.tasks, key)
		stopped := c.stopped
		c.mu.Unlock()
		if live && !stopped {
			task()
		}
	})

	c.mu.Lock()
	if _, live := c.tasks[key]; live {
		c.tasks[key] = handle
	}
	c.mu.Unlock()
}

// PendingTasks returns the number of scheduled checks and retries not yet run.
func (c *Collector) PendingTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// IsUploading reports whether a sync was requested and not yet filled.
func (c *Collector) IsUploading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploading
}

// OutstandingBlocks returns the ids of blocks awaiting a delivery status.
func (c *Collector) OutstandingBlocks() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int32, 0, len(c.timeouts))
	for id := range c.timeouts {
		ids = append(ids, id)
	}
	return ids
}
