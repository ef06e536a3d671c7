package sse

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Event represents a Server-Sent Event
type Event struct {
	EventType string `json:"event"`
	Data      string `json:"data"`
}

// Client represents a connected SSE client. Events only reach clients of the
// same company.
type Client struct {
	ID        string
	UserID    string
	CompanyID string
	Events    chan Event
}

// Hub manages all SSE client connections
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

// NewHub creates a new SSE Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Register adds a new client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.logger.Debug("SSE client registered",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.Int("total", len(h.clients)),
	)
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Events)
		delete(h.clients, clientID)
		h.logger.Debug("SSE client unregistered", zap.String("client_id", clientID), zap.Int("total", len(h.clients)))
	}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToCompany delivers an event to every client of one company
func (h *Hub) SendToCompany(companyID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.CompanyID != companyID {
			continue
		}
		select {
		case client.Events <- event:
		default:
			h.logger.Warn("SSE client buffer full, skipping event", zap.String("client_id", client.ID))
		}
	}
}

// 询价事件类型
const (
	EventBidResponse  = "bid_response"
	EventBidDecline   = "bid_decline"
	EventBidViewed    = "bid_viewed"
	EventBidSent      = "bid_sent"
	EventBidPINLocked = "bid_pin_locked"
)

// BidEvent is the payload of every bid_* event
type BidEvent struct {
	ProjectID    string `json:"project_id"`
	BidRequestID string `json:"bid_request_id"`
	RecipientID  string `json:"recipient_id,omitempty"`
	SupplierName string `json:"supplier_name,omitempty"`
	Status       string `json:"status,omitempty"`
	Revision     int    `json:"revision,omitempty"`
}

// PublishBidEvent sends a bid lifecycle event to the owning company's staff
func (h *Hub) PublishBidEvent(companyID, eventType string, payload BidEvent) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to encode bid event", zap.Error(err))
		return
	}
	h.SendToCompany(companyID, Event{EventType: eventType, Data: string(data)})
	h.logger.Debug("Published bid event",
		zap.String("event", eventType),
		zap.String("bid_request_id", payload.BidRequestID),
	)
}
