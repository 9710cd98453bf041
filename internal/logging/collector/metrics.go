package collector

import (
	"sync"
)

type Metrics struct {
	SyncsRequested  int
	BlocksSent      int
	BlocksAcked     int
	BlocksFailed    int
	BlocksTimedOut  int
	TimeoutSweeps   int
	StaleStatuses   int
	ScheduledChecks int
	mu              sync.RWMutex
}

func (m *Metrics) IncSyncsRequested() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncsRequested++
}

func (m *Metrics) IncBlocksSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BlocksSent++
}

func (m *Metrics) IncBlocksAcked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BlocksAcked++
}

func (m *Metrics) IncBlocksFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BlocksFailed++
}

func (m *Metrics) AddBlocksTimedOut(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BlocksTimedOut += n
	m.TimeoutSweeps++
}

func (m *Metrics) IncStaleStatuses() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StaleStatuses++
}

func (m *Metrics) IncScheduledChecks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScheduledChecks++
}

func (m *Metrics) GetMetricsStamp() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		SyncsRequested:  m.SyncsRequested,
		BlocksSent:      m.BlocksSent,
		BlocksAcked:     m.BlocksAcked,
		BlocksFailed:    m.BlocksFailed,
		BlocksTimedOut:  m.BlocksTimedOut,
		TimeoutSweeps:   m.TimeoutSweeps,
		StaleStatuses:   m.StaleStatuses,
		ScheduledChecks: m.ScheduledChecks,
	}
}

// GetAckRatio returns acked blocks over resolved blocks.
func (m *Metrics) GetAckRatio() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resolved := m.BlocksAcked + m.BlocksFailed + m.BlocksTimedOut
	if resolved == 0 {
		return 0
	}
	return float64(m.BlocksAcked) / float64(resolved)
}
