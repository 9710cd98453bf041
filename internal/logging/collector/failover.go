package collector

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

// failoverController is the logging.FailoverCommand handed to strategies.
type failoverController struct {
	collector *Collector
}

func (f *failoverController) SwitchAccessPoint() {
	channels := f.collector.channels
	if channels == nil {
		log.Warn().Msg("Failed to switch access point: no channel manager configured")
		return
	}
	server := channels.ActiveServer(logging.TransportLogging)
	if server == nil {
		log.Warn().Msg("Failed to switch access point: no channel is used for logging transport")
		return
	}
	log.Info().Str("server", server.URL).Msg("Marking logging access point as failed")
	channels.OnServerFailed(server)
}

func (f *failoverController) RetryLogUpload() {
	f.collector.UploadIfNeeded(true)
}

func (f *failoverController) RetryLogUploadAfter(delay time.Duration) {
	log.Debug().Dur("delay", delay).Msg("Scheduling log upload retry")
	f.collector.schedule(delay, func() {
		f.collector.UploadIfNeeded(true)
	})
}
