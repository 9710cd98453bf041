package strategy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

const (
	DefaultBatchSizeBytes int64 = 8 * 1024
	DefaultTimeout              = 120 * time.Second
	DefaultRetryDelay           = 5 * time.Minute
)

type Config struct {
	BatchSizeBytes int64
	Timeout        time.Duration
	RetryDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSizeBytes: DefaultBatchSizeBytes,
		Timeout:        DefaultTimeout,
		RetryDelay:     DefaultRetryDelay,
	}
}

func (c Config) validate() error {
	if c.BatchSizeBytes <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", logging.ErrInvalidConfig, c.BatchSizeBytes)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: upload timeout must be positive, got %s", logging.ErrInvalidConfig, c.Timeout)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must not be negative, got %s", logging.ErrInvalidConfig, c.RetryDelay)
	}
	return nil
}

// Eager uploads as soon as anything is pending.
type Eager struct {
	config Config
}

func NewEager(config Config) (*Eager, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Eager{config: config}, nil
}

func (s *Eager) IsUploadNeeded(status logging.StorageStatus) logging.UploadDecision {
	if status.RecordCount > 0 {
		return logging.Upload
	}
	return logging.Noop
}

func (s *Eager) BatchSizeBytes() int64 {
	return s.config.BatchSizeBytes
}

func (s *Eager) Timeout() time.Duration {
	return s.config.Timeout
}

func (s *Eager) OnTimeout(cmd logging.FailoverCommand) {
	log.Warn().Msg("Log delivery timed out, switching access point")
	cmd.SwitchAccessPoint()
	cmd.RetryLogUpload()
}

func (s *Eager) OnFailure(cmd logging.FailoverCommand, code logging.DeliveryErrorCode) {
	log.Warn().
		Stringer("error_code", code).
		Dur("retry_in", s.config.RetryDelay).
		Msg("Log delivery failed, switching access point")
	cmd.SwitchAccessPoint()
	cmd.RetryLogUploadAfter(s.config.RetryDelay)
}
