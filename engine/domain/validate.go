package domain

import (
	"fmt"
	"math"
	"strings"
)

// UntitledTitle is used when a source carries no title.
const UntitledTitle = "Untitled"

// NormalizeMatch enforces the mandatory Match fields at the store boundary.
// A missing id, empty content, or non-finite similarity is rejected; a
// missing title is coerced to UntitledTitle.
func NormalizeMatch(m Match) (Match, error) {
	if strings.TrimSpace(m.ID) == "" {
		return Match{}, fmt.Errorf("%w: missing id", ErrMalformedMatch)
	}
	if strings.TrimSpace(m.Content) == "" {
		return Match{}, fmt.Errorf("%w: %s: empty content", ErrMalformedMatch, m.ID)
	}
	s := float64(m.Similarity)
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return Match{}, fmt.Errorf("%w: %s: similarity %v", ErrMalformedMatch, m.ID, m.Similarity)
	}
	if strings.TrimSpace(m.Title) == "" {
		m.Title = UntitledTitle
	}
	return m, nil
}

// NormalizeDocument applies defaults to an ingestion request and rejects
// documents with nothing to ingest.
func NormalizeDocument(doc Document) (Document, error) {
	if strings.TrimSpace(doc.Title) == "" {
		doc.Title = UntitledTitle
	}
	if doc.SourceType == "" {
		doc.SourceType = SourceManual
	}
	if strings.TrimSpace(doc.Content) == "" && len(doc.Sections) == 0 {
		return Document{}, InvalidInput("route", fmt.Errorf("missing content"))
	}
	return doc, nil
}

// ValidateMessages checks roles and returns the latest user question.
func ValidateMessages(msgs []Message) (string, error) {
	for i, m := range msgs {
		if !m.Role.Valid() {
			return "", InvalidInput("route", fmt.Errorf("message %d: unknown role %q", i, m.Role))
		}
	}
	q, ok := LastUserMessage(msgs)
	if !ok || strings.TrimSpace(q) == "" {
		return "", InvalidInput("route", ErrNoQuestion)
	}
	return q, nil
}
