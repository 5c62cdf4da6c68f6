package api

import "github.com/uhyunpark/xchange/pkg/app/exchange"

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// AddressRequest is the body of POST /address
type AddressRequest struct {
	Platform string `json:"platform"`
}

// DataResponse wraps list endpoints: {"data": [...]}
type DataResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Types
// ==============================

// WSSubscribeRequest represents a WebSocket subscription request
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["fills"]
}

// FillUpdate is pushed on the fills channel for every match
type FillUpdate struct {
	Type      string        `json:"type"` // "fill"
	Fill      exchange.Fill `json:"fill"`
	Timestamp int64         `json:"timestamp"` // Unix milliseconds
}
