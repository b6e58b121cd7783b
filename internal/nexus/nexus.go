// Package nexus forwards node-originated lane messages to the upstream
// Nexus service over HTTP.
package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/protocol"
)

const forwardTimeout = 10 * time.Second

// envelope is the body posted for each forwarded message.
type envelope struct {
	NodeID  string                `json:"nodeId"`
	Message *protocol.LaneMessage `json:"message"`
}

// Forwarder posts node messages to the Nexus ingest endpoint. Delivery is
// best-effort: failures are logged and the message is dropped, the control
// plane does not buffer upstream traffic.
type Forwarder struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewForwarder creates a forwarder for the given Nexus base URL.
func NewForwarder(baseURL, apiKey string, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: forwardTimeout},
		log:     logger.With().Str("component", "nexus").Logger(),
	}
}

// Forward ships one message upstream. It matches gateway.InboundFunc and
// returns immediately; the post runs on its own goroutine so a slow Nexus
// never stalls a node's read pump.
func (f *Forwarder) Forward(nodeID string, msg *protocol.LaneMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()
		if err := f.post(ctx, nodeID, msg); err != nil {
			f.log.Error().Err(err).
				Str("node_id", nodeID).
				Str("message_id", msg.ID).
				Msg("Failed to forward message to Nexus")
		}
	}()
}

func (f *Forwarder) post(ctx context.Context, nodeID string, msg *protocol.LaneMessage) error {
	body, err := json.Marshal(envelope{NodeID: nodeID, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("nexus returned status %d", resp.StatusCode)
	}
	return nil
}
