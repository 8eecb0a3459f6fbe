package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	// MaxQueue bounds the server-side outbound buffer for this client.
	MaxQueue int `json:"max_queue,omitempty"`
	// Catalog asks for the full structure catalog after WELCOME.
	Catalog bool `json:"catalog,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	EstateID        string         `json:"estate_id"`
	Tick            uint64         `json:"tick"`
	Params          EstateParams   `json:"params"`
	Catalogs        CatalogDigests `json:"catalogs"`
}

type EstateParams struct {
	TickRateHz   int       `json:"tick_rate_hz"`
	PlotCost     int64     `json:"plot_cost"`
	MaxFootprint int       `json:"max_footprint"`
	Dimension    int       `json:"dimension"`
	Tiers        []TierRef `json:"tiers"`
}

type TierRef struct {
	Size int    `json:"size"`
	Cost int64  `json:"cost"`
	Desc string `json:"desc,omitempty"`
}

type CatalogDigests struct {
	Structures DigestRef `json:"structures"`
}

type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// CATALOG (server -> client): the effective structure catalog.
type CatalogMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Name            string          `json:"name"`
	Digest          string          `json:"digest"`
	Data            json.RawMessage `json:"data"`
}

// RESULT (server -> client): the outcome of one ACT.
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Tick            uint64 `json:"tick"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`

	Currency  int64    `json:"currency"`
	RuntimeID string   `json:"runtime_id,omitempty"`
	Refund    int64    `json:"refund,omitempty"`
	Tier      *TierRef `json:"tier,omitempty"`
}
