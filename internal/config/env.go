package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func applyEnv(cfg *Config) {
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Pretty = getEnvAsBool("LOG_PRETTY", cfg.Logging.Pretty)
	cfg.Logging.Instance = getEnv("POD_NAME", cfg.Logging.Instance)

	cfg.Collector.Endpoints = getEnvAsList("COLLECTOR_ENDPOINTS", cfg.Collector.Endpoints)
	cfg.Collector.Encoding = getEnv("COLLECTOR_ENCODING", cfg.Collector.Encoding)
	cfg.Collector.Compression = getEnv("COLLECTOR_COMPRESSION", cfg.Collector.Compression)
	cfg.Collector.EndpointID = getEnv("ENDPOINT_ID", cfg.Collector.EndpointID)
	cfg.Collector.MaxRetries = getEnvAsInt("MAX_RETRIES", cfg.Collector.MaxRetries)
	cfg.Collector.UploadCheckDelay = getEnvAsDuration("UPLOAD_CHECK_DELAY", cfg.Collector.UploadCheckDelay)

	cfg.Strategy.Kind = getEnv("UPLOAD_STRATEGY", cfg.Strategy.Kind)
	cfg.Strategy.BatchSizeBytes = getEnvAsInt64("BATCH_SIZE_BYTES", cfg.Strategy.BatchSizeBytes)
	cfg.Strategy.Timeout = getEnvAsDuration("UPLOAD_TIMEOUT", cfg.Strategy.Timeout)
	cfg.Strategy.RetryDelay = getEnvAsDuration("RETRY_DELAY", cfg.Strategy.RetryDelay)
	cfg.Strategy.VolumeThreshold = getEnvAsInt64("VOLUME_THRESHOLD", cfg.Strategy.VolumeThreshold)
	cfg.Strategy.CountThreshold = getEnvAsInt64("COUNT_THRESHOLD", cfg.Strategy.CountThreshold)
	cfg.Strategy.MaxRecordAge = getEnvAsDuration("MAX_RECORD_AGE", cfg.Strategy.MaxRecordAge)

	cfg.Storage.Kind = getEnv("STORAGE_KIND", cfg.Storage.Kind)
	cfg.Storage.Path = getEnv("STORAGE_PATH", cfg.Storage.Path)
	cfg.Storage.MaxVolumeBytes = getEnvAsInt64("MAX_STORAGE_BYTES", cfg.Storage.MaxVolumeBytes)

	cfg.Daemon.LogRootPath = getEnv("LOG_PATH", cfg.Daemon.LogRootPath)
	cfg.Daemon.NodeName = getEnv("NODE_NAME", cfg.Daemon.NodeName)
	cfg.Daemon.MinWorkers = getEnvAsInt("MIN_WORKERS", cfg.Daemon.MinWorkers)
	cfg.Daemon.MaxWorkers = getEnvAsInt("MAX_WORKERS", cfg.Daemon.MaxWorkers)
	cfg.Daemon.QueueSize = getEnvAsInt("QUEUE_SIZE", cfg.Daemon.QueueSize)
	cfg.Daemon.ScanInterval = getEnvAsDuration("SCAN_INTERVAL", cfg.Daemon.ScanInterval)
	cfg.Daemon.ScaleUpThreshold = getEnvAsFloat("SCALE_UP_THRESHOLD", cfg.Daemon.ScaleUpThreshold)
	cfg.Daemon.ScaleDownThreshold = getEnvAsFloat("SCALE_DOWN_THRESHOLD", cfg.Daemon.ScaleDownThreshold)
	cfg.Daemon.ScaleCheckInterval = getEnvAsDuration("SCALE_CHECK_INTERVAL", cfg.Daemon.ScaleCheckInterval)
	cfg.Daemon.FileIdleTimeout = getEnvAsDuration("FILE_IDLE_TIMEOUT", cfg.Daemon.FileIdleTimeout)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseInt(value, 10, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return Duration(result)
		}
	}
	return defaultValue
}
