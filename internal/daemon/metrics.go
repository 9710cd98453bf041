package daemon

import (
	"sync"
)

// LogDaemonMetrics counts scanner, worker and forwarding activity.
// Read it through GetMetricsStamp; the exported fields of a live value are
// guarded by mu.
type LogDaemonMetrics struct {
	FilesDiscovered     int
	FilesProcessed      int
	FilesFailed         int
	QueuedFiles         int
	FilesQueueCapacity  int
	WorkersActive       int
	WorkersBusy         int
	ScaleUpOperations   int
	ScaleDownOperations int
	LinesForwarded      int
	EncodeFailures      int
	mu                  sync.RWMutex
}

func (m *LogDaemonMetrics) add(counter *int, delta int) {
	m.mu.Lock()
	*counter += delta
	m.mu.Unlock()
}

func (m *LogDaemonMetrics) IncFilesDiscovered()     { m.add(&m.FilesDiscovered, 1) }
func (m *LogDaemonMetrics) IncFilesProcessed()      { m.add(&m.FilesProcessed, 1) }
func (m *LogDaemonMetrics) IncFilesFailed()         { m.add(&m.FilesFailed, 1) }
func (m *LogDaemonMetrics) IncAmountQueueFiles()    { m.add(&m.QueuedFiles, 1) }
func (m *LogDaemonMetrics) DecAmountQueueFiles()    { m.add(&m.QueuedFiles, -1) }
func (m *LogDaemonMetrics) IncWorkersActive()       { m.add(&m.WorkersActive, 1) }
func (m *LogDaemonMetrics) DecWorkersActive()       { m.add(&m.WorkersActive, -1) }
func (m *LogDaemonMetrics) IncWorkersBusy()         { m.add(&m.WorkersBusy, 1) }
func (m *LogDaemonMetrics) DecWorkersBusy()         { m.add(&m.WorkersBusy, -1) }
func (m *LogDaemonMetrics) IncScaleUpOperations()   { m.add(&m.ScaleUpOperations, 1) }
func (m *LogDaemonMetrics) IncScaleDownOperations() { m.add(&m.ScaleDownOperations, 1) }
func (m *LogDaemonMetrics) IncLinesForwarded()      { m.add(&m.LinesForwarded, 1) }
func (m *LogDaemonMetrics) IncEncodeFailures()      { m.add(&m.EncodeFailures, 1) }

func (m *LogDaemonMetrics) GetMetricsStamp() LogDaemonMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return LogDaemonMetrics{
		FilesDiscovered:     m.FilesDiscovered,
		FilesProcessed:      m.FilesProcessed,
		FilesFailed:         m.FilesFailed,
		QueuedFiles:         m.QueuedFiles,
		FilesQueueCapacity:  m.FilesQueueCapacity,
		WorkersActive:       m.WorkersActive,
		WorkersBusy:         m.WorkersBusy,
		ScaleUpOperations:   m.ScaleUpOperations,
		ScaleDownOperations: m.ScaleDownOperations,
		LinesForwarded:      m.LinesForwarded,
		EncodeFailures:      m.EncodeFailures,
	}
}

// GetQueueUsage is the share of the file queue currently occupied, in [0, 1]
// while the daemon respects its capacity.
func (m *LogDaemonMetrics) GetQueueUsage() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(m.QueuedFiles) / float64(m.FilesQueueCapacity)
}
