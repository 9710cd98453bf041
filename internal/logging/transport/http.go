package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

const (
	DefaultPath       = "/v1/logs/sync"
	EndpointIDHeader  = "X-Endpoint-ID"
	defaultMaxRetries = 3
)

type Config struct {
	Path           string
	Encoding       Encoding
	Compression    Compression
	EndpointID     string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Path:           DefaultPath,
		Encoding:       EncodingCBOR,
		Compression:    CompressionNone,
		RequestTimeout: 5 * time.Second,
		MaxRetries:     defaultMaxRetries,
		RetryBackoff:   time.Second,
	}
}

// HTTPTransport runs one sync round per Sync call: it asks the processor
// for a block, posts it to the active logging access point and hands the
// decoded delivery statuses back. Sync calls made while a round is running
// coalesce into one follow-up round.
type HTTPTransport struct {
	processor  logging.SyncProcessor
	channels   logging.ChannelManager
	config     Config
	httpClient *http.Client
	notify     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHTTPTransport(processor logging.SyncProcessor, channels logging.ChannelManager, config Config) (*HTTPTransport, error) {
	if processor == nil {
		return nil, fmt.Errorf("%w: sync processor is nil", logging.ErrInvalidConfig)
	}
	if channels == nil {
		return nil, fmt.Errorf("%w: channel manager is nil", logging.ErrInvalidConfig)
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.Encoding == "" {
		config.Encoding = EncodingCBOR
	}
	if config.Compression == "" {
		config.Compression = CompressionNone
	}
	if config.EndpointID == "" {
		config.EndpointID = uuid.NewString()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}

	return &HTTPTransport{
		processor: processor,
		channels:  channels,
		config:    config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
		notify: make(chan struct{}, 1),
	}, nil
}

func (t *HTTPTransport) EndpointID() string {
	return t.config.EndpointID
}

func (t *HTTPTransport) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run()

	log.Info().
		Str("endpoint_id", t.config.EndpointID).
		Str("encoding", string(t.config.Encoding)).
		Str("compression", string(t.config.Compression)).
		Msg("HTTP log transport started")
}

func (t *HTTPTransport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *HTTPTransport) Sync() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *HTTPTransport) run() {
	defer t.wg.Done()
	for {
		select {
		case <-t.notify:
			t.syncRound()
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *HTTPTransport) syncRound() {
	var request logging.SyncRequest
	t.processor.FillSyncRequest(&request)
	if request.Empty() {
		return
	}

	server := t.channels.ActiveServer(logging.TransportLogging)
	if server == nil {
		log.Warn().Int32("block_id", request.RequestID).Msg("No logging access point available, block left to time out")
		return
	}

	response, err := t.send(server, request)
	if err != nil {
		log.Error().Err(err).
			Int32("block_id", request.RequestID).
			Str("server", server.URL).
			Msg("Failed to deliver log block")
		return
	}
	t.processor.OnLogResponse(*response)
}

func (t *HTTPTransport) send(server *logging.ServerInfo, request logging.SyncRequest) (*logging.SyncResponse, error) {
	encoded, err := t.config.Encoding.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	body, err := t.config.Compression.Compress(encoded)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(server.URL, "/") + t.config.Path
	for i := 0; i < t.config.MaxRetries; i++ {
		response, err := t.sendRequest(url, body)
		if err == nil {
			log.Debug().
				Int32("block_id", request.RequestID).
				Int("entries", len(request.Entries)).
				Int("bytes", len(body)).
				Msg("Log block delivered")
			return response, nil
		}

		if i == t.config.MaxRetries-1 {
			return nil, err
		}
		log.Warn().Err(err).Msgf("Retry %d/%d", i+1, t.config.MaxRetries)
		select {
		case <-time.After(time.Duration(i+1) * t.config.RetryBackoff):
		case <-t.ctx.Done():
			return nil, t.ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed to send block after %d attempts", t.config.MaxRetries)
}

func (t *HTTPTransport) sendRequest(url string, body []byte) (*logging.SyncResponse, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", t.config.Encoding.ContentType())
	req.Header.Set("Accept", t.config.Encoding.ContentType())
	req.Header.Set(EndpointIDHeader, t.config.EndpointID)
	if enc := t.config.Compression.ContentEncoding(); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("collector returned status %d: %s", resp.StatusCode, string(raw))
	}

	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		compression, err := ParseCompression(enc)
		if err != nil {
			return nil, err
		}
		if raw, err = compression.Decompress(raw); err != nil {
			return nil, err
		}
	}

	var response logging.SyncResponse
	if err := t.config.Encoding.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}
