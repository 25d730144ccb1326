// Package domain defines the core types shared by every stage of the
// retrieval pipeline: chunks, matches, conversation messages, citations,
// and the error taxonomy used at service boundaries.
package domain

import "time"

// Source types recorded on ingested chunks.
const (
	SourceManual     = "manual"
	SourceGoogleDocs = "google-docs"
	SourcePDF        = "pdf"
	SourceWeb        = "web"
)

// Chunk is a bounded span of source text plus its embedding and metadata.
type Chunk struct {
	ID         string    `json:"id"`
	DocID      string    `json:"doc_id"`
	Index      int       `json:"chunk_index"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	URL        string    `json:"url"`
	SourceType string    `json:"source_type"`
	Embedding  []float32 `json:"-"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Match is a chunk returned by similarity search.
type Match struct {
	Chunk
	Similarity float32 `json:"similarity"`
}

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Citation references a chunk that contributed to an answer.
type Citation struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	URL        string  `json:"url,omitempty"`
	Similarity float32 `json:"similarity"`
}

// Document is a titled source handed to ingestion.
type Document struct {
	ID         string    `json:"id,omitempty"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	URL        string    `json:"url,omitempty"`
	SourceType string    `json:"source_type,omitempty"`
	Sections   []Section `json:"sections,omitempty"`
}

// Section is a titled part of a structured document.
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// LastUserMessage returns the content of the most recent user turn.
func LastUserMessage(msgs []Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content, true
		}
	}
	return "", false
}
