// Package services provides external service integrations like message transport and compliance checks
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/percytech/broadcast-pipeline/config"
	"github.com/percytech/broadcast-pipeline/utils"
)

// MessageTransport delivers a single outbound message to the carrier gateway.
type MessageTransport interface {
	Send(ctx context.Context, msg OutboundMessage) (*SendResult, error)
}

// OutboundMessage is one message addressed to one recipient.
type OutboundMessage struct {
	From      string
	To        string
	Body      string
	MediaURLs []string
}

// SendResult carries the provider's acknowledgment for a sent message.
type SendResult struct {
	MessageID    string
	SegmentCount int
	Raw          json.RawMessage
}

// BandwidthTransport implements MessageTransport against the Bandwidth Messaging API
type BandwidthTransport struct {
	config *config.TransportConfig
	client *http.Client
}

// bandwidthRequest represents the request payload for the Bandwidth send endpoint
type bandwidthRequest struct {
	ApplicationID string   `json:"applicationId"`
	From          string   `json:"from"`
	To            []string `json:"to"`
	Text          string   `json:"text"`
	Media         []string `json:"media,omitempty"`
}

// bandwidthResponse represents the provider acknowledgment
type bandwidthResponse struct {
	ID           string   `json:"id"`
	From         string   `json:"from"`
	To           []string `json:"to"`
	SegmentCount int      `json:"segmentCount"`
	Direction    string   `json:"direction"`
}

// NewBandwidthTransport creates a new Bandwidth-backed transport
func NewBandwidthTransport(cfg *config.TransportConfig) MessageTransport {
	return &BandwidthTransport{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Send posts a single message to the provider and returns its acknowledgment
func (t *BandwidthTransport) Send(ctx context.Context, msg OutboundMessage) (*SendResult, error) {
	payload := bandwidthRequest{
		ApplicationID: t.config.ApplicationID,
		From:          msg.From,
		To:            []string{msg.To},
		Text:          msg.Body,
		Media:         msg.MediaURLs,
	}

	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/users/%s/messages", t.config.ProviderURL, t.config.AccountID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(t.config.APIToken, t.config.APISecret)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("provider rejected message for %s: status %d: %s", msg.To, resp.StatusCode, string(raw))
	}

	var ack bandwidthResponse
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	if ack.ID == "" {
		return nil, fmt.Errorf("provider response missing message id for %s", msg.To)
	}

	return &SendResult{
		MessageID:    ack.ID,
		SegmentCount: ack.SegmentCount,
		Raw:          raw,
	}, nil
}

// MockTransport implements MessageTransport for testing. Delay, when set
// before any Send, simulates provider latency.
type MockTransport struct {
	mu           sync.Mutex
	SentMessages []MockSentMessage
	FailNumbers  map[string]string
	Delay        time.Duration
	nextID       int
}

// MockSentMessage records one delivered mock message
type MockSentMessage struct {
	From   string
	To     string
	Body   string
	SentAt time.Time
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		SentMessages: make([]MockSentMessage, 0),
		FailNumbers:  make(map[string]string),
	}
}

// FailFor makes subsequent sends to the given number fail with the given reason
func (m *MockTransport) FailFor(number, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailNumbers[number] = reason
}

// Send records the message, or fails it when the recipient was marked to fail
func (m *MockTransport) Send(ctx context.Context, msg OutboundMessage) (*SendResult, error) {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if reason, ok := m.FailNumbers[msg.To]; ok {
		return nil, fmt.Errorf("mock send failed for %s: %s", msg.To, reason)
	}

	m.nextID++
	m.SentMessages = append(m.SentMessages, MockSentMessage{
		From:   msg.From,
		To:     msg.To,
		Body:   msg.Body,
		SentAt: utils.UTCNow(),
	})
	return &SendResult{
		MessageID:    fmt.Sprintf("mock-%d", m.nextID),
		SegmentCount: 1,
		Raw:          json.RawMessage(`{"status":"accepted"}`),
	}, nil
}

// SentCount returns the number of messages the mock accepted
func (m *MockTransport) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SentMessages)
}
