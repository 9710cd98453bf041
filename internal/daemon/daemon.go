package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

// LogDaemonService discovers pod log files, tails them and turns every new
// line into a log record for the sink.
type LogDaemonService struct {
	config        Config
	sink          logging.RecordSink
	fileQueue     chan string
	workers       []*worker
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	metrics       *LogDaemonMetrics

	scaleMutex     sync.RWMutex
	currentWorkers int
	maxWorkers     int
	minWorkers     int

	filesMutex sync.Mutex
	seenFiles  map[string]struct{}
	// tailedFiles holds files that are queued or being tailed.
	tailedFiles map[string]struct{}
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

type Config struct {
	LogRootPath        string
	ScanInterval       time.Duration
	MinWorkers         int
	MaxWorkers         int
	FileQueueSize      int
	NodeName           string
	ScaleUpThreshold   float64 // default: 0.9
	ScaleDownThreshold float64 // default: 0.3
	ScaleCheckInterval time.Duration
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
}

// NewLogDaemonService always creates 3 + config.MinWorkers go routines on Start()
func NewLogDaemonService(ctx context.Context, config Config, sink logging.RecordSink) *LogDaemonService {
	nCtx, cancel := context.WithCancel(ctx)

	service := &LogDaemonService{
		config:    config,
		sink:      sink,
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		metrics: &LogDaemonMetrics{
			FilesQueueCapacity: config.FileQueueSize,
		},
		minWorkers:     config.MinWorkers,
		maxWorkers:     config.MaxWorkers,
		currentWorkers: config.MinWorkers,
		seenFiles:      make(map[string]struct{}),
		tailedFiles:    make(map[string]struct{}),
	}

	service.workers = make([]*worker, config.MaxWorkers+1)

	return service
}

func (s *LogDaemonService) Metrics() LogDaemonMetrics {
	return s.metrics.GetMetricsStamp()
}

func (s *LogDaemonService) Start() {
	log.Info().
		Int("min_workers", s.minWorkers).
		Int("max_workers", s.maxWorkers).
		Int("queue_size", s.config.FileQueueSize).
		Str("root", s.config.LogRootPath).
		Msg("Starting log daemon service")

	for i := 0; i < s.minWorkers; i++ {
		s.startWorker(i)
	}

	s.scanFiles()

	s.subServicesWg.Add(1)
	go s.scanner()

	s.subServicesWg.Add(1)
	go s.monitorAndScale()

	s.subServicesWg.Add(1)
	go s.metricsReporter()
}

func (s *LogDaemonService) Stop() {
	log.Info().Msg("Stopping log daemon service")
	s.cancel()

	s.subServicesWg.Wait()

	close(s.fileQueue)
	s.workersWg.Wait()

	log.Info().Msg("Log daemon service stopped")
}

func (s *LogDaemonService) startWorker(id int) {
	if id >= len(s.workers) || s.workers[id] != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	worker := &worker{
		id:     id,
		ctx:    workerCtx,
		cancel: cancel,
	}
	s.workers[id] = worker

	s.workersWg.Add(1)
	go s.worker(worker)

	s.metrics.IncWorkersActive()
	log.Debug().Int("worker", id).Msg("Worker started")
}

func (s *LogDaemonService) stopWorker(id int) {
	if id >= len(s.workers) || s.workers[id] == nil {
		return
	}

	s.workers[id].cancel()
	s.workers[id] = nil

	s.metrics.DecWorkersActive()
	log.Debug().Int("worker", id).Msg("Worker stopped")
}

func (s *LogDaemonService) worker(worker *worker) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("worker", worker.id).Interface("panic", r).Msg("Worker panicked")
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.DecAmountQueueFiles()
			s.metrics.IncWorkersBusy()
			s.processFile(worker.ctx, filePath)
			s.releaseFile(filePath)
			s.metrics.DecWorkersBusy()

		case <-worker.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) processFile(ctx context.Context, filePath string) {
	defer s.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("file", filePath).Interface("panic", r).Msg("File processing panicked")
			s.metrics.IncFilesFailed()
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		log.Error().Err(err).Str("file", filePath).Msg("Failed to tail file")
		s.metrics.IncFilesFailed()
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	labels := s.extractLabels(filePath)
	lastActivity := time.Now()

	for {
		select {
		case line := <-t.Lines:
			if line == nil {
				continue
			}
			if line.Err != nil {
				log.Warn().Err(line.Err).Str("file", filePath).Msg("Error reading log line")
				continue
			}

			s.forward(Entry{
				Timestamp: line.Time,
				Message:   line.Text,
				File:      filePath,
				Labels:    labels,
			})
			lastActivity = time.Now()

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				log.Debug().Str("file", filePath).Msg("File idle, releasing worker")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) forward(entry Entry) {
	record, err := EncodeEntry(entry)
	if err != nil {
		log.Error().Err(err).Str("file", entry.File).Msg("Dropping log line")
		s.metrics.IncEncodeFailures()
		return
	}
	s.sink.AddLogRecord(record)
	s.metrics.IncLinesForwarded()
}

func (s *LogDaemonService) scanner() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		log.Error().Err(err).Msg("Error discovering log files")
		return
	}

	for _, file := range files {
		if !s.claimFile(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.IncAmountQueueFiles()
		case <-s.ctx.Done():
			s.releaseFile(file)
			return

		default:
			s.releaseFile(file)
			log.Warn().
				Int("queued", len(s.fileQueue)).
				Int("capacity", cap(s.fileQueue)).
				Str("file", file).
				Msg("File queue full, skipping")
		}
	}
}

// claimFile marks file as tailed. It returns false if a worker already owns it.
func (s *LogDaemonService) claimFile(file string) bool {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()

	if _, ok := s.seenFiles[file]; !ok {
		s.metrics.IncFilesDiscovered()
		s.seenFiles[file] = struct{}{}
	}
	if _, busy := s.tailedFiles[file]; busy {
		return false
	}
	s.tailedFiles[file] = struct{}{}
	return true
}

func (s *LogDaemonService) releaseFile(file string) {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()
	delete(s.tailedFiles, file)
}

func (s *LogDaemonService) monitorAndScale() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.adjustWorkers()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) adjustWorkers() {
	if s.minWorkers >= s.maxWorkers {
		return
	}

	metrics := s.metrics.GetMetricsStamp()
	queueUsage := metrics.GetQueueUsage()
	workerUtilization := 0.0
	if s.currentWorkers > 0 {
		workerUtilization = float64(metrics.WorkersBusy) / float64(s.currentWorkers)
	}

	if queueUsage > s.config.ScaleUpThreshold &&
		workerUtilization > s.config.ScaleUpThreshold &&
		s.currentWorkers < s.maxWorkers {
		s.scaleUp()
	} else if queueUsage < s.config.ScaleDownThreshold &&
		workerUtilization < s.config.ScaleDownThreshold &&
		s.currentWorkers > s.minWorkers {
		s.scaleDown()
	}
}

func (s *LogDaemonService) scaleUp() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers >= s.maxWorkers {
		return
	}

	newWorkerID := s.currentWorkers
	s.currentWorkers++

	s.startWorker(newWorkerID)
	s.metrics.IncScaleUpOperations()

	log.Info().
		Int("workers", s.currentWorkers).
		Int("queue_usage_pct", int(s.metrics.GetQueueUsage()*100)).
		Msg("Scaled up")
}

func (s *LogDaemonService) scaleDown() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers <= s.minWorkers {
		return
	}

	workerToStop := s.currentWorkers - 1
	s.currentWorkers--

	s.stopWorker(workerToStop)
	s.metrics.IncScaleDownOperations()

	log.Info().
		Int("workers", s.currentWorkers).
		Int("queue_usage_pct", int(s.metrics.GetQueueUsage()*100)).
		Msg("Scaled down")
}

func (s *LogDaemonService) metricsReporter() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics := s.metrics.GetMetricsStamp()

			log.Info().
				Int("workers_active", metrics.WorkersActive).
				Int("workers_max", s.maxWorkers).
				Int("workers_busy", metrics.WorkersBusy).
				Int("queued_files", metrics.QueuedFiles).
				Int("queue_usage_pct", int(s.metrics.GetQueueUsage()*100)).
				Int("files_processed", metrics.FilesProcessed).
				Int("files_discovered", metrics.FilesDiscovered).
				Int("lines_forwarded", metrics.LinesForwarded).
				Int("scale_up", metrics.ScaleUpOperations).
				Int("scale_down", metrics.ScaleDownOperations).
				Msg("Daemon metrics")

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path")
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads namespace, pod and container from the kubelet layout
// /var/log/pods/<namespace>_<pod>_<uid>/<container>/<n>.log.
func (s *LogDaemonService) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"node": s.config.NodeName,
		"file": filepath.Base(filePath),
	}

	container := filepath.Base(filepath.Dir(filePath))
	podDir := filepath.Base(filepath.Dir(filepath.Dir(filePath)))
	podParts := strings.Split(podDir, "_")
	if len(podParts) == 3 {
		labels["namespace"] = podParts[0]
		labels["pod"] = podParts[1]
		labels["pod_uid"] = podParts[2]
		labels["container"] = container
	}

	return labels
}
