package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percytech/broadcast-pipeline/config"
)

func bandwidthConfig(url string) *config.TransportConfig {
	return &config.TransportConfig{
		ProviderURL:   url,
		AccountID:     "acct-1",
		APIToken:      "token",
		APISecret:     "secret",
		ApplicationID: "app-1",
		Timeout:       5 * time.Second,
	}
}

func TestBandwidthTransport_Send(t *testing.T) {
	var captured bandwidthRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/users/acct-1/messages", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "token", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(bandwidthResponse{
			ID:           "bw-123",
			From:         captured.From,
			To:           captured.To,
			SegmentCount: 2,
			Direction:    "out",
		})
	}))
	defer server.Close()

	transport := NewBandwidthTransport(bandwidthConfig(server.URL))
	result, err := transport.Send(context.Background(), OutboundMessage{
		From:      "+15550009999",
		To:        "+15550000001",
		Body:      "hello",
		MediaURLs: []string{"https://cdn.example.com/a.png"},
	})

	require.NoError(t, err)
	assert.Equal(t, "bw-123", result.MessageID)
	assert.Equal(t, 2, result.SegmentCount)
	assert.NotEmpty(t, result.Raw)

	assert.Equal(t, "app-1", captured.ApplicationID)
	assert.Equal(t, []string{"+15550000001"}, captured.To)
	assert.Equal(t, []string{"https://cdn.example.com/a.png"}, captured.Media)
}

func TestBandwidthTransport_Send_ProviderRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"number not provisioned"}`))
	}))
	defer server.Close()

	transport := NewBandwidthTransport(bandwidthConfig(server.URL))
	_, err := transport.Send(context.Background(), OutboundMessage{From: "+1555", To: "+1666", Body: "x"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestBandwidthTransport_Send_MissingMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	transport := NewBandwidthTransport(bandwidthConfig(server.URL))
	_, err := transport.Send(context.Background(), OutboundMessage{From: "+1555", To: "+1666", Body: "x"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing message id")
}

func TestMockTransport(t *testing.T) {
	transport := NewMockTransport()
	transport.FailFor("+15550000002", "blocked number")

	result, err := transport.Send(context.Background(), OutboundMessage{From: "+1555", To: "+15550000001", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "mock-1", result.MessageID)

	_, err = transport.Send(context.Background(), OutboundMessage{From: "+1555", To: "+15550000002", Body: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked number")

	assert.Equal(t, 1, transport.SentCount())
}
