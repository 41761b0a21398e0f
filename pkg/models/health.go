package models

// HealthCheckPayload is the JSON body a node serves at its health check path.
type HealthCheckPayload struct {
	Data HealthData `json:"data"`
}

// HealthData is the node-reported part of a health check.
type HealthData struct {
	Service         string     `json:"service"`
	Version         string     `json:"version"`
	BlockDifference *int64     `json:"block_difference"`
	Plays           *PlaysInfo `json:"plays,omitempty"`
	DB              DBInfo     `json:"db"`
	Web             WebInfo    `json:"web"`

	Git                      string  `json:"git,omitempty"`
	DatabaseSize             int64   `json:"database_size,omitempty"`
	DatabaseConnections      int64   `json:"database_connections,omitempty"`
	TotalMemory              uint64  `json:"total_memory,omitempty"`
	UsedMemory               uint64  `json:"used_memory,omitempty"`
	FilesystemSize           uint64  `json:"filesystem_size,omitempty"`
	FilesystemUsed           uint64  `json:"filesystem_used,omitempty"`
	ReceivedBytesPerSec      float64 `json:"received_bytes_per_sec,omitempty"`
	TransferredBytesPerSec   float64 `json:"transferred_bytes_per_sec,omitempty"`
	ChallengeLastEventAgeSec *int64  `json:"challenge_last_event_age_sec,omitempty"`
}

// PlaysInfo carries the lag of the plays stream.
type PlaysInfo struct {
	TxInfo TxInfo `json:"tx_info"`
}

type TxInfo struct {
	SlotDiff *int64 `json:"slot_diff"`
}

// DBInfo is the latest block indexed into the node's database.
type DBInfo struct {
	Number int64 `json:"number"`
}

// WebInfo is the latest block seen on chain by the node.
type WebInfo struct {
	BlockNumber int64 `json:"blocknumber"`
}

// Telemetry holds health check fields that selection ignores and monitoring keeps.
type Telemetry struct {
	DBBlockNumber            int64   `json:"db_block_number"`
	WebBlockNumber           int64   `json:"web_block_number"`
	Git                      string  `json:"git,omitempty"`
	DatabaseSize             int64   `json:"database_size,omitempty"`
	DatabaseConnections      int64   `json:"database_connections,omitempty"`
	TotalMemory              uint64  `json:"total_memory,omitempty"`
	UsedMemory               uint64  `json:"used_memory,omitempty"`
	FilesystemSize           uint64  `json:"filesystem_size,omitempty"`
	FilesystemUsed           uint64  `json:"filesystem_used,omitempty"`
	ReceivedBytesPerSec      float64 `json:"received_bytes_per_sec,omitempty"`
	TransferredBytesPerSec   float64 `json:"transferred_bytes_per_sec,omitempty"`
	ChallengeLastEventAgeSec *int64  `json:"challenge_last_event_age_sec,omitempty"`
}

// HealthResponse is one parsed probe result.
type HealthResponse struct {
	// ProbeURL is the URL that was requested, not the endpoint used for traffic.
	ProbeURL        string    `json:"probe_url"`
	Status          int       `json:"status"`
	Service         string    `json:"service,omitempty"`
	Version         string    `json:"version,omitempty"`
	BlockDifference *int64    `json:"block_difference,omitempty"`
	SlotDifference  *int64    `json:"slot_difference,omitempty"`
	Telemetry       Telemetry `json:"telemetry"`
}

// NewHealthResponse flattens a decoded payload into a HealthResponse.
func NewHealthResponse(probeURL string, status int, payload *HealthCheckPayload) *HealthResponse {
	resp := &HealthResponse{
		ProbeURL: probeURL,
		Status:   status,
	}
	if payload == nil {
		return resp
	}

	data := payload.Data
	resp.Service = data.Service
	resp.Version = data.Version
	resp.BlockDifference = data.BlockDifference
	if data.Plays != nil {
		resp.SlotDifference = data.Plays.TxInfo.SlotDiff
	}
	resp.Telemetry = Telemetry{
		DBBlockNumber:            data.DB.Number,
		WebBlockNumber:           data.Web.BlockNumber,
		Git:                      data.Git,
		DatabaseSize:             data.DatabaseSize,
		DatabaseConnections:      data.DatabaseConnections,
		TotalMemory:              data.TotalMemory,
		UsedMemory:               data.UsedMemory,
		FilesystemSize:           data.FilesystemSize,
		FilesystemUsed:           data.FilesystemUsed,
		ReceivedBytesPerSec:      data.ReceivedBytesPerSec,
		TransferredBytesPerSec:   data.TransferredBytesPerSec,
		ChallengeLastEventAgeSec: data.ChallengeLastEventAgeSec,
	}
	return resp
}

// Int64 returns a pointer to v. Handy for optional lag fields.
func Int64(v int64) *int64 {
	return &v
}
