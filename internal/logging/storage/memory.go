package storage

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

const DefaultMaxVolumeBytes int64 = 1024 * 1024

// MemoryStorage keeps pending records in a FIFO bounded by total bytes.
// When a new record does not fit, the oldest pending records are dropped.
// Records that belong to an in-flight block do not count against the bound.
//
// Thread-safe: all methods may be called concurrently.
type MemoryStorage struct {
	mu             sync.Mutex
	pending        []logging.LogRecord
	consumedVolume int64
	maxVolume      int64
	blocks         map[int32][]logging.LogRecord
	inFlightCount  int64
	dropped        int64
	lastBlockID    int32
}

func NewMemoryStorage(maxVolumeBytes int64) (*MemoryStorage, error) {
	if maxVolumeBytes <= 0 {
		return nil, fmt.Errorf("%w: max storage volume must be positive, got %d", logging.ErrInvalidConfig, maxVolumeBytes)
	}
	return &MemoryStorage{
		maxVolume: maxVolumeBytes,
		blocks:    make(map[int32][]logging.LogRecord),
	}, nil
}

func (s *MemoryStorage) Status() logging.StorageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return logging.StorageStatus{
		RecordCount:    int64(len(s.pending)),
		ConsumedVolume: s.consumedVolume,
		InFlightCount:  s.inFlightCount,
		DroppedCount:   s.dropped,
	}
}

func (s *MemoryStorage) AddLogRecord(record logging.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Size > s.maxVolume {
		s.dropped++
		log.Warn().
			Int64("size", record.Size).
			Int64("max_volume", s.maxVolume).
			Msg("Log record exceeds storage volume, dropping it")
		return
	}

	evicted := 0
	for s.consumedVolume+record.Size > s.maxVolume && len(s.pending) > 0 {
		oldest := s.pending[0]
		s.pending[0] = logging.LogRecord{}
		s.pending = s.pending[1:]
		s.consumedVolume -= oldest.Size
		s.dropped++
		evicted++
	}
	if evicted > 0 {
		log.Warn().Int("evicted", evicted).Msg("Log storage full, dropped oldest records")
	}

	s.pending = append(s.pending, record)
	s.consumedVolume += record.Size
}

func (s *MemoryStorage) GetRecordBlock(limitBytes int64) *logging.LogBlock {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 || limitBytes <= 0 {
		return nil
	}

	taken := 0
	var blockSize int64
	for _, record := range s.pending {
		if blockSize+record.Size > limitBytes {
			break
		}
		blockSize += record.Size
		taken++
	}
	// oversized head record travels alone
	if taken == 0 {
		taken = 1
		blockSize = s.pending[0].Size
	}

	records := make([]logging.LogRecord, taken)
	copy(records, s.pending[:taken])
	for i := 0; i < taken; i++ {
		s.pending[i] = logging.LogRecord{}
	}
	s.pending = s.pending[taken:]
	s.consumedVolume -= blockSize

	id := s.nextBlockID()
	s.blocks[id] = records
	s.inFlightCount += int64(taken)

	return &logging.LogBlock{ID: id, Records: records}
}

func (s *MemoryStorage) nextBlockID() int32 {
	for {
		if s.lastBlockID == math.MaxInt32 {
			s.lastBlockID = 0
		}
		s.lastBlockID++
		if _, busy := s.blocks[s.lastBlockID]; !busy {
			return s.lastBlockID
		}
	}
}

func (s *MemoryStorage) RemoveRecordBlock(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.blocks[id]
	if !ok {
		return
	}
	delete(s.blocks, id)
	s.inFlightCount -= int64(len(records))
}

func (s *MemoryStorage) NotifyUploadFailed(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.blocks[id]
	if !ok {
		return
	}
	delete(s.blocks, id)
	s.inFlightCount -= int64(len(records))

	var volume int64
	for _, r := range records {
		volume += r.Size
	}
	requeued := make([]logging.LogRecord, 0, len(records)+len(s.pending))
	requeued = append(requeued, records...)
	requeued = append(requeued, s.pending...)
	s.pending = requeued
	s.consumedVolume += volume
}

func (s *MemoryStorage) String() string {
	return fmt.Sprintf("MemoryStorage{maxVolume=%d}", s.maxVolume)
}
