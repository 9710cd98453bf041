// Package agent assembles the log delivery pipeline from configuration:
// tailed pod logs flow into the collector, which ships blocks to the remote
// log collector through the HTTP transport.
package agent

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/K8sLoggingAgent/internal/channel"
	"github.com/Chichichkin/K8sLoggingAgent/internal/clock"
	"github.com/Chichichkin/K8sLoggingAgent/internal/config"
	"github.com/Chichichkin/K8sLoggingAgent/internal/daemon"
	"github.com/Chichichkin/K8sLoggingAgent/internal/executor"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging/collector"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging/storage"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging/strategy"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging/transport"
)

type Agent struct {
	executor  *executor.Context
	storage   logging.LogStorage
	collector *collector.Collector
	transport *transport.HTTPTransport
	daemon    *daemon.LogDaemonService
	closer    func() error
}

func New(ctx context.Context, cfg *config.Config) (*Agent, error) {
	store, closer, err := newStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}

	policy, err := newStrategy(cfg.Strategy)
	if err != nil {
		closer()
		return nil, err
	}

	channels := channel.NewManager()
	if err := channels.AddServers(logging.TransportLogging, cfg.Collector.Endpoints...); err != nil {
		closer()
		return nil, err
	}

	exec := executor.New(executor.Config{
		CallbackWorkers: cfg.Collector.CallbackWorkers,
		QueueSize:       cfg.Collector.CallbackQueue,
	}, clock.Real())

	coll, err := collector.New(store, policy, exec, channels, collector.Config{
		UploadCheckDelay: cfg.Collector.UploadCheckDelay.Duration(),
		Clock:            clock.Real(),
	})
	if err != nil {
		closer()
		return nil, err
	}

	encoding, err := transport.ParseEncoding(cfg.Collector.Encoding)
	if err != nil {
		closer()
		return nil, fmt.Errorf("%w: %v", logging.ErrInvalidConfig, err)
	}
	compression, err := transport.ParseCompression(cfg.Collector.Compression)
	if err != nil {
		closer()
		return nil, fmt.Errorf("%w: %v", logging.ErrInvalidConfig, err)
	}
	tr, err := transport.NewHTTPTransport(coll, channels, transport.Config{
		Path:           cfg.Collector.Path,
		Encoding:       encoding,
		Compression:    compression,
		EndpointID:     cfg.Collector.EndpointID,
		RequestTimeout: cfg.Collector.RequestTimeout.Duration(),
		MaxRetries:     cfg.Collector.MaxRetries,
		RetryBackoff:   cfg.Collector.RetryBackoff.Duration(),
	})
	if err != nil {
		closer()
		return nil, err
	}
	coll.SetTransport(tr)

	d := daemon.NewLogDaemonService(ctx, daemon.Config{
		LogRootPath:        cfg.Daemon.LogRootPath,
		ScanInterval:       cfg.Daemon.ScanInterval.Duration(),
		MinWorkers:         cfg.Daemon.MinWorkers,
		MaxWorkers:         cfg.Daemon.MaxWorkers,
		FileQueueSize:      cfg.Daemon.QueueSize,
		NodeName:           cfg.Daemon.NodeName,
		ScaleUpThreshold:   cfg.Daemon.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Daemon.ScaleDownThreshold,
		ScaleCheckInterval: cfg.Daemon.ScaleCheckInterval.Duration(),
		FileIdleTimeout:    cfg.Daemon.FileIdleTimeout.Duration(),
	}, coll)

	return &Agent{
		executor:  exec,
		storage:   store,
		collector: coll,
		transport: tr,
		daemon:    d,
		closer:    closer,
	}, nil
}

func newStorage(cfg config.StorageConfig) (logging.LogStorage, func() error, error) {
	switch cfg.Kind {
	case "sqlite":
		s, err := storage.NewSQLiteStorage(cfg.Path, cfg.MaxVolumeBytes)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := storage.NewMemoryStorage(cfg.MaxVolumeBytes)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
}

func newStrategy(cfg config.StrategyConfig) (logging.UploadStrategy, error) {
	base := strategy.Config{
		BatchSizeBytes: cfg.BatchSizeBytes,
		Timeout:        cfg.Timeout.Duration(),
		RetryDelay:     cfg.RetryDelay.Duration(),
	}
	if cfg.Kind == "threshold" {
		return strategy.NewThreshold(strategy.ThresholdConfig{
			Config:          base,
			VolumeThreshold: cfg.VolumeThreshold,
			CountThreshold:  cfg.CountThreshold,
			MaxRecordAge:    cfg.MaxRecordAge.Duration(),
		})
	}
	return strategy.NewEager(base)
}

func (a *Agent) Collector() *collector.Collector {
	return a.collector
}

func (a *Agent) Start(ctx context.Context) {
	a.executor.Start()
	a.transport.Start(ctx)
	a.collector.Start()
	a.daemon.Start()
	log.Info().Str("endpoint_id", a.transport.EndpointID()).Msg("Agent started")
}

// Stop shuts the pipeline down producer first so no record is added to a
// stopped collector.
func (a *Agent) Stop() {
	a.daemon.Stop()
	a.collector.Stop()
	a.transport.Stop()
	a.executor.Stop()

	metrics := a.collector.Metrics()
	status := a.storage.Status()
	if err := a.closer(); err != nil {
		log.Error().Err(err).Msg("Failed to close log storage")
	}
	log.Info().
		Int("blocks_sent", metrics.BlocksSent).
		Int("blocks_acked", metrics.BlocksAcked).
		Int("blocks_failed", metrics.BlocksFailed).
		Int("blocks_timed_out", metrics.BlocksTimedOut).
		Int64("pending_records", status.RecordCount).
		Msg("Agent stopped")
}
