package models

import "time"

// TrustLevel classifies data for the execution trust gate.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustUntrusted TrustLevel = "untrusted"
)

// DataSource identifies where a piece of tagged data originated.
type DataSource string

const (
	SourceUser    DataSource = "user"
	SourcePlanner DataSource = "planner"
	SourceWorker  DataSource = "worker"
	SourceWeb     DataSource = "web"
	SourceFile    DataSource = "file"
	SourceTool    DataSource = "tool"
)

// TaggedData is the provenance-tracked unit of the data plane. Every value
// that flows between plan steps is wrapped in one of these.
type TaggedData struct {
	ID             string                `json:"id"`
	Content        string                `json:"content"`
	TrustLevel     TrustLevel            `json:"trust_level"`
	Source         DataSource            `json:"source"`
	OriginatedFrom string                `json:"originated_from,omitempty"`
	ParentIDs      []string              `json:"parent_ids,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	ScanResults    map[string]ScanResult `json:"scan_results,omitempty"`
}

// ScanMatch is a single pattern hit reported by a scanner.
type ScanMatch struct {
	PatternName string `json:"pattern_name"`
	MatchedText string `json:"matched_text"`
	Position    int    `json:"position"`
}

// ScanResult is the outcome of running one scanner over one text.
type ScanResult struct {
	Found       bool        `json:"found"`
	Matches     []ScanMatch `json:"matches,omitempty"`
	ScannerName string      `json:"scanner_name"`
}
