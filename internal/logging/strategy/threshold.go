package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/K8sLoggingAgent/internal/clock"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

const (
	DefaultVolumeThreshold int64 = 32 * 1024
	DefaultCountThreshold  int64 = 64
	DefaultMaxRecordAge          = 30 * time.Second
)

type ThresholdConfig struct {
	Config
	VolumeThreshold int64
	CountThreshold  int64
	// MaxRecordAge flushes records that waited this long below both
	// watermarks. Zero disables it.
	MaxRecordAge time.Duration
	Clock        clock.Clock
}

func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		Config:          DefaultConfig(),
		VolumeThreshold: DefaultVolumeThreshold,
		CountThreshold:  DefaultCountThreshold,
		MaxRecordAge:    DefaultMaxRecordAge,
	}
}

// Threshold waits until pending volume or record count reaches a watermark.
// Failures caused by the local appender setup are retried on the same
// access point; remote failures move to the next one.
type Threshold struct {
	config ThresholdConfig

	mu sync.Mutex
	// waitingSince is when records were first seen held back, zero when
	// nothing is held back.
	waitingSince time.Time
}

func NewThreshold(config ThresholdConfig) (*Threshold, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.VolumeThreshold <= 0 && config.CountThreshold <= 0 {
		return nil, fmt.Errorf("%w: at least one upload threshold must be positive", logging.ErrInvalidConfig)
	}
	if config.MaxRecordAge < 0 {
		return nil, fmt.Errorf("%w: max record age must not be negative, got %s", logging.ErrInvalidConfig, config.MaxRecordAge)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Threshold{config: config}, nil
}

func (s *Threshold) IsUploadNeeded(status logging.StorageStatus) logging.UploadDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status.RecordCount == 0 {
		s.waitingSince = time.Time{}
		return logging.Noop
	}
	if s.config.VolumeThreshold > 0 && status.ConsumedVolume >= s.config.VolumeThreshold ||
		s.config.CountThreshold > 0 && status.RecordCount >= s.config.CountThreshold {
		s.waitingSince = time.Time{}
		return logging.Upload
	}
	if s.config.MaxRecordAge <= 0 {
		return logging.Noop
	}

	now := s.config.Clock.Now()
	if s.waitingSince.IsZero() {
		s.waitingSince = now
	}
	if now.Sub(s.waitingSince) >= s.config.MaxRecordAge {
		s.waitingSince = time.Time{}
		return logging.Upload
	}
	return logging.Noop
}

func (s *Threshold) MaxRecordAge() time.Duration {
	return s.config.MaxRecordAge
}

func (s *Threshold) BatchSizeBytes() int64 {
	return s.config.BatchSizeBytes
}

func (s *Threshold) Timeout() time.Duration {
	return s.config.Timeout
}

func (s *Threshold) OnTimeout(cmd logging.FailoverCommand) {
	log.Warn().Msg("Log delivery timed out, switching access point")
	cmd.SwitchAccessPoint()
	cmd.RetryLogUpload()
}

func (s *Threshold) OnFailure(cmd logging.FailoverCommand, code logging.DeliveryErrorCode) {
	switch code {
	case logging.RemoteConnectionError, logging.RemoteInternalError:
		log.Warn().Stringer("error_code", code).Msg("Remote log delivery failure, switching access point")
		cmd.SwitchAccessPoint()
	default:
		log.Warn().Stringer("error_code", code).Msg("Log delivery rejected, retrying on the same access point")
	}
	cmd.RetryLogUploadAfter(s.config.RetryDelay)
}
