package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/percytech/broadcast-pipeline/config"
)

// ComplianceGate decides whether a campaign may send from a given number.
type ComplianceGate interface {
	CanSend(ctx context.Context, campaignID, fromNumber string) (*ComplianceDecision, error)
}

// ComplianceDecision is the registry's verdict for one campaign and number.
type ComplianceDecision struct {
	Allowed bool
	Reason  string
}

// RegistryComplianceGate implements ComplianceGate against the campaign registry API
type RegistryComplianceGate struct {
	config *config.ComplianceConfig
	client *http.Client
}

// registryStatusResponse represents the registry's campaign status payload
type registryStatusResponse struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// NewRegistryComplianceGate creates a new registry-backed compliance gate
func NewRegistryComplianceGate(cfg *config.ComplianceConfig) ComplianceGate {
	return &RegistryComplianceGate{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// CanSend queries the registry for the campaign's current standing
func (g *RegistryComplianceGate) CanSend(ctx context.Context, campaignID, fromNumber string) (*ComplianceDecision, error) {
	if !g.config.Enabled {
		return &ComplianceDecision{Allowed: true}, nil
	}
	if campaignID == "" {
		return &ComplianceDecision{Allowed: false, Reason: "campaign is not registered"}, nil
	}

	url := fmt.Sprintf("%s/campaigns/%s/numbers/%s", g.config.RegistryURL, campaignID, fromNumber)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", g.config.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &ComplianceDecision{Allowed: false, Reason: "campaign not found in registry"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d for campaign %s", resp.StatusCode, campaignID)
	}

	var status registryStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}

	if status.Status != "ACTIVE" {
		reason := status.Reason
		if reason == "" {
			reason = fmt.Sprintf("campaign status is %s", status.Status)
		}
		return &ComplianceDecision{Allowed: false, Reason: reason}, nil
	}
	return &ComplianceDecision{Allowed: true}, nil
}

// MockComplianceGate implements ComplianceGate for testing
type MockComplianceGate struct {
	mu      sync.Mutex
	Blocked map[string]string
	Checks  []string
}

// NewMockComplianceGate creates a mock gate that allows every campaign by default
func NewMockComplianceGate() *MockComplianceGate {
	return &MockComplianceGate{
		Blocked: make(map[string]string),
	}
}

// Block makes subsequent checks for the given campaign fail with the given reason
func (m *MockComplianceGate) Block(campaignID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Blocked[campaignID] = reason
}

// CanSend returns the configured verdict for the campaign
func (m *MockComplianceGate) CanSend(ctx context.Context, campaignID, fromNumber string) (*ComplianceDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Checks = append(m.Checks, campaignID)
	if reason, ok := m.Blocked[campaignID]; ok {
		return &ComplianceDecision{Allowed: false, Reason: reason}, nil
	}
	return &ComplianceDecision{Allowed: true}, nil
}
