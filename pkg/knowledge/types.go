package knowledge

import (
	"encoding/json"
	"fmt"
)

// Event tags emitted by the knowledge service during one query
// invocation. A stream is zero or more searching/seeds events followed
// by at most one final.
const (
	TagSearching = "searching"
	TagSeeds     = "seeds"
	TagFinal     = "final"
)

// Document statuses as reported by the ingestion pipeline.
// uploading -> processing -> ready | error, terminal states absorb.
const (
	StatusUploading  = "uploading"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Seed is one retrieved evidence snippet with provenance. Seeds are
// immutable once received.
type Seed struct {
	ID          string  `json:"id"`
	Tokens      int     `json:"tokens"`
	Content     string  `json:"content"`
	Order       int     `json:"order"`
	SourceID    string  `json:"source_id"`
	SourceTitle string  `json:"source_title"`
	Nip         float64 `json:"nip"`
}

// Message is a single conversation turn in the wire format the
// retrieval endpoint expects.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Envelope is the tagged wire event. Content shape depends on Tag:
// a status marker for searching, an array of Seed for seeds, the
// assistant text for final.
type Envelope struct {
	Tag     string          `json:"tag"`
	Content json.RawMessage `json:"content"`
}

// Seeds decodes the payload of a seeds envelope.
func (e *Envelope) Seeds() ([]Seed, error) {
	if e.Tag != TagSeeds {
		return nil, fmt.Errorf("envelope tag is %q, not %q", e.Tag, TagSeeds)
	}
	var seeds []Seed
	if err := json.Unmarshal(e.Content, &seeds); err != nil {
		return nil, fmt.Errorf("decode seeds payload: %w", err)
	}
	return seeds, nil
}

// Answer decodes the payload of a final envelope.
func (e *Envelope) Answer() (string, error) {
	if e.Tag != TagFinal {
		return "", fmt.Errorf("envelope tag is %q, not %q", e.Tag, TagFinal)
	}
	var text string
	if err := json.Unmarshal(e.Content, &text); err != nil {
		return "", fmt.Errorf("decode final payload: %w", err)
	}
	return text, nil
}

// QueryRequest is the retrieval endpoint payload.
type QueryRequest struct {
	Messages       []Message       `json:"messages"`
	Token          string          `json:"token"`
	Model          string          `json:"model"`
	KBList         []string        `json:"kb_list"`
	Stream         bool            `json:"stream"`
	Documents      []string        `json:"documents,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

// UploadResult is the ingestion accept envelope.
type UploadResult struct {
	Success    bool   `json:"success"`
	DocumentID string `json:"document_id"`
	Message    string `json:"message"`
}

// StatusSnapshot is the latest known state of one document.
type StatusSnapshot struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	Status      string `json:"status"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// DeleteResult is the deletion envelope. Deletion is best-effort;
// success means the request was accepted, not that remote state is
// already purged.
type DeleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// statusRank orders statuses along the lifecycle so regressions can be
// detected. Unknown statuses rank lowest.
var statusRank = map[string]int{
	StatusUploading:  1,
	StatusProcessing: 2,
	StatusReady:      3,
	StatusError:      3,
}

// StatusRank returns the lifecycle position of a status.
func StatusRank(status string) int {
	return statusRank[status]
}

// IsTerminalStatus reports whether no further transition can occur.
func IsTerminalStatus(status string) bool {
	return status == StatusReady || status == StatusError
}
