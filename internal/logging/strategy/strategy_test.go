package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/K8sLoggingAgent/internal/clock"
	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
	"github.com/Chichichkin/K8sLoggingAgent/internal/testutils"
)

func TestNewEager_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"zero batch", Config{BatchSizeBytes: 0, Timeout: time.Second}},
		{"negative batch", Config{BatchSizeBytes: -1, Timeout: time.Second}},
		{"zero timeout", Config{BatchSizeBytes: 10, Timeout: 0}},
		{"negative retry", Config{BatchSizeBytes: 10, Timeout: time.Second, RetryDelay: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEager(tt.config)
			assert.ErrorIs(t, err, logging.ErrInvalidConfig)
		})
	}
}

func TestEager_Defaults(t *testing.T) {
	s, err := NewEager(DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, int64(8192), s.BatchSizeBytes())
	assert.Equal(t, 120*time.Second, s.Timeout())
}

func TestEager_IsUploadNeeded(t *testing.T) {
	s, err := NewEager(DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, logging.Noop, s.IsUploadNeeded(logging.StorageStatus{}))
	assert.Equal(t, logging.Noop, s.IsUploadNeeded(logging.StorageStatus{InFlightCount: 3}))
	assert.Equal(t, logging.Upload, s.IsUploadNeeded(logging.StorageStatus{RecordCount: 1, ConsumedVolume: 5}))
}

func TestEager_FailoverActions(t *testing.T) {
	s, err := NewEager(Config{BatchSizeBytes: 100, Timeout: 5 * time.Second, RetryDelay: time.Minute})
	require.NoError(t, err)

	cmd := &testutils.MockFailoverCommand{}
	s.OnFailure(cmd, logging.RemoteConnectionError)
	switches, retries, delays := cmd.GetStats()
	assert.Equal(t, 1, switches)
	assert.Equal(t, 0, retries)
	assert.Equal(t, []time.Duration{time.Minute}, delays)

	cmd = &testutils.MockFailoverCommand{}
	s.OnTimeout(cmd)
	switches, retries, delays = cmd.GetStats()
	assert.Equal(t, 1, switches)
	assert.Equal(t, 1, retries)
	assert.Empty(t, delays)
}

func TestThreshold_IsUploadNeeded(t *testing.T) {
	config := DefaultThresholdConfig()
	config.VolumeThreshold = 100
	config.CountThreshold = 3
	s, err := NewThreshold(config)
	require.NoError(t, err)

	tests := []struct {
		name   string
		status logging.StorageStatus
		want   logging.UploadDecision
	}{
		{"empty", logging.StorageStatus{}, logging.Noop},
		{"below both", logging.StorageStatus{RecordCount: 2, ConsumedVolume: 99}, logging.Noop},
		{"volume reached", logging.StorageStatus{RecordCount: 1, ConsumedVolume: 100}, logging.Upload},
		{"count reached", logging.StorageStatus{RecordCount: 3, ConsumedVolume: 3}, logging.Upload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.IsUploadNeeded(tt.status))
		})
	}
}

func TestThreshold_FlushesRecordsHeldBackTooLong(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	config := DefaultThresholdConfig()
	config.MaxRecordAge = 10 * time.Second
	config.Clock = fake
	s, err := NewThreshold(config)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, s.MaxRecordAge())

	small := logging.StorageStatus{RecordCount: 1, ConsumedVolume: 10}
	assert.Equal(t, logging.Noop, s.IsUploadNeeded(small))

	fake.Advance(9 * time.Second)
	assert.Equal(t, logging.Noop, s.IsUploadNeeded(small))

	fake.Advance(time.Second)
	assert.Equal(t, logging.Upload, s.IsUploadNeeded(small))

	// the age restarts once the held back records were flushed
	assert.Equal(t, logging.Noop, s.IsUploadNeeded(small))

	// an empty storage resets the age as well
	fake.Advance(5 * time.Second)
	assert.Equal(t, logging.Noop, s.IsUploadNeeded(logging.StorageStatus{}))
	fake.Advance(5 * time.Second)
	assert.Equal(t, logging.Noop, s.IsUploadNeeded(small))
}

func TestThreshold_ZeroMaxRecordAgeNeverFlushesByAge(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	config := DefaultThresholdConfig()
	config.MaxRecordAge = 0
	config.Clock = fake
	s, err := NewThreshold(config)
	require.NoError(t, err)

	small := logging.StorageStatus{RecordCount: 1, ConsumedVolume: 10}
	assert.Equal(t, logging.Noop, s.IsUploadNeeded(small))
	fake.Advance(24 * time.Hour)
	assert.Equal(t, logging.Noop, s.IsUploadNeeded(small))

	config.MaxRecordAge = -time.Second
	_, err = NewThreshold(config)
	assert.ErrorIs(t, err, logging.ErrInvalidConfig)
}

func TestThreshold_RequiresAWatermark(t *testing.T) {
	config := DefaultThresholdConfig()
	config.VolumeThreshold = 0
	config.CountThreshold = 0

	_, err := NewThreshold(config)
	assert.ErrorIs(t, err, logging.ErrInvalidConfig)
}

func TestThreshold_OnFailureSwitchesOnlyForRemoteErrors(t *testing.T) {
	s, err := NewThreshold(DefaultThresholdConfig())
	require.NoError(t, err)

	tests := []struct {
		code       logging.DeliveryErrorCode
		wantSwitch int
	}{
		{logging.NoAppendersConfigured, 0},
		{logging.AppenderInternalError, 0},
		{logging.RemoteConnectionError, 1},
		{logging.RemoteInternalError, 1},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			cmd := &testutils.MockFailoverCommand{}
			s.OnFailure(cmd, tt.code)

			switches, retries, delays := cmd.GetStats()
			assert.Equal(t, tt.wantSwitch, switches)
			assert.Equal(t, 0, retries)
			assert.Equal(t, []time.Duration{DefaultRetryDelay}, delays)
		})
	}
}

func TestThreshold_OnTimeoutSwitchesAndRetriesNow(t *testing.T) {
	s, err := NewThreshold(DefaultThresholdConfig())
	require.NoError(t, err)

	cmd := &testutils.MockFailoverCommand{}
	s.OnTimeout(cmd)

	switches, retries, _ := cmd.GetStats()
	assert.Equal(t, 1, switches)
	assert.Equal(t, 1, retries)
}
