// Package siem provides HTTP sinks shipping audit events to downstream
// SIEM backends.
package siem

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/siem"
)

// defaultSendTimeout bounds one batch shipment.
const defaultSendTimeout = 30 * time.Second

// SplunkSink ships batches to a Splunk HTTP Event Collector endpoint.
// Events are wrapped in HEC envelopes and sent as one gzip-compressed
// JSON array per batch.
type SplunkSink struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// NewSplunkSink creates a sink for the given HEC endpoint and token.
func NewSplunkSink(endpoint, token string, logger *slog.Logger) *SplunkSink {
	return &SplunkSink{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: defaultSendTimeout},
		logger:   logger,
	}
}

// Name identifies the sink for metrics and logs.
func (s *SplunkSink) Name() string { return "splunk" }

// Send ships one batch as a JSON array of HEC envelopes, gzip-compressed.
func (s *SplunkSink) Send(ctx context.Context, batch []siem.Envelope) error {
	if len(batch) == 0 {
		return nil
	}

	envelopes := make([]siem.SplunkEnvelope, 0, len(batch))
	for _, e := range batch {
		envelopes = append(envelopes, siem.NewSplunkEnvelope(e))
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(envelopes); err != nil {
		_ = gz.Close()
		return gateway.Wrap(gateway.KindInternal, "encode splunk batch", err)
	}
	if err := gz.Close(); err != nil {
		return gateway.Wrap(gateway.KindInternal, "compress splunk batch", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &buf)
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, "build splunk request", err)
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := s.client.Do(req)
	if err != nil {
		return gateway.Wrap(gateway.KindAdapterConnection, "send splunk batch", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gateway.Newf(gateway.KindAdapterProtocol, "splunk HEC returned status %d", resp.StatusCode)
	}
	s.logger.Debug("splunk batch sent", "events", len(batch))
	return nil
}

var _ siem.Sink = (*SplunkSink)(nil)

// DatadogSink ships batches to the Datadog logs intake API.
type DatadogSink struct {
	endpoint string
	apiKey   string
	service  string
	client   *http.Client
	logger   *slog.Logger
}

// NewDatadogSink creates a sink for the given intake endpoint and API key.
func NewDatadogSink(endpoint, apiKey, service string, logger *slog.Logger) *DatadogSink {
	if service == "" {
		service = "sark-gateway"
	}
	return &DatadogSink{
		endpoint: endpoint,
		apiKey:   apiKey,
		service:  service,
		client:   &http.Client{Timeout: defaultSendTimeout},
		logger:   logger,
	}
}

// Name identifies the sink for metrics and logs.
func (s *DatadogSink) Name() string { return "datadog" }

// datadogEntry is the per-event intake document.
type datadogEntry struct {
	DDSource string `json:"ddsource"`
	DDTags   string `json:"ddtags"`
	Service  string `json:"service"`
	Message  any    `json:"message"`
}

// Send ships one batch as a JSON array, gzip-compressed.
func (s *DatadogSink) Send(ctx context.Context, batch []siem.Envelope) error {
	if len(batch) == 0 {
		return nil
	}

	entries := make([]datadogEntry, 0, len(batch))
	for _, e := range batch {
		entries = append(entries, datadogEntry{
			DDSource: "sark",
			DDTags:   fmt.Sprintf("event_type:%s,severity:%s", e.Event.EventType, e.Event.Severity),
			Service:  s.service,
			Message:  e.Event,
		})
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(entries); err != nil {
		_ = gz.Close()
		return gateway.Wrap(gateway.KindInternal, "encode datadog batch", err)
	}
	if err := gz.Close(); err != nil {
		return gateway.Wrap(gateway.KindInternal, "compress datadog batch", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &buf)
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, "build datadog request", err)
	}
	req.Header.Set("DD-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := s.client.Do(req)
	if err != nil {
		return gateway.Wrap(gateway.KindAdapterConnection, "send datadog batch", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gateway.Newf(gateway.KindAdapterProtocol, "datadog intake returned status %d", resp.StatusCode)
	}
	s.logger.Debug("datadog batch sent", "events", len(batch))
	return nil
}

var _ siem.Sink = (*DatadogSink)(nil)
