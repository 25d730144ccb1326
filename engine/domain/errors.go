package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindConfiguration    Kind = "configuration"
	KindEmbedding        Kind = "embedding"
	KindRetrieval        Kind = "retrieval"
	KindSynthesis        Kind = "synthesis"
	KindIngestionPartial Kind = "ingestion_partial"
	KindInvalidInput     Kind = "invalid_input"
	KindInternal         Kind = "internal"
)

// Sentinel errors.
var (
	ErrMissingConfig     = errors.New("missing configuration")
	ErrCardinality       = errors.New("embedding count does not match input count")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInputTooLarge     = errors.New("input exceeds embedding size limit")
	ErrEmptyEmbedding    = errors.New("empty embedding")
	ErrMalformedMatch    = errors.New("malformed match")
	ErrEmptyContent      = errors.New("content is empty")
	ErrNoQuestion        = errors.New("no user question")
)

// Error is the structured error carried across service boundaries. Where
// names the failing stage, e.g. "embed", "store.search", "synth.stream".
type Error struct {
	Kind  Kind
	Where string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Where != "" {
		b.WriteString(" [")
		b.WriteString(e.Where)
		b.WriteString("]")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, where string, err error) *Error {
	return &Error{Kind: kind, Where: where, Err: err}
}

// ConfigError reports a missing or invalid setting. Fatal, never retried.
func ConfigError(setting string) *Error {
	return &Error{Kind: KindConfiguration, Where: "config", Msg: setting, Err: ErrMissingConfig}
}

// EmbeddingError reports a failed or malformed embedding call.
func EmbeddingError(where string, err error) *Error {
	return newError(KindEmbedding, where, err)
}

// RetrievalError reports a failed store search. Zero matches is not an error.
func RetrievalError(where string, err error) *Error {
	return newError(KindRetrieval, where, err)
}

// SynthesisError reports a completion service failure.
func SynthesisError(where string, err error) *Error {
	return newError(KindSynthesis, where, err)
}

// InvalidInput reports a rejected request.
func InvalidInput(where string, err error) *Error {
	return newError(KindInvalidInput, where, err)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return KindIngestionPartial
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// WhereOf returns the stage tag of the first *Error in err's chain.
func WhereOf(err error) string {
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return "store.upsert"
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Where
	}
	return ""
}

// PublicMessage is the user-facing text for a failure. Upstream payloads
// are never included.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindConfiguration:
		return "The service is not configured: missing " + configSetting(err) + "."
	case KindEmbedding:
		return "The embedding service failed. Please try again."
	case KindRetrieval:
		return "Document search failed. Please try again."
	case KindSynthesis:
		return "The answer service failed while responding."
	case KindIngestionPartial:
		return "Some chunks could not be stored."
	case KindInvalidInput:
		var de *Error
		if errors.As(err, &de) && de.Err != nil {
			return de.Err.Error()
		}
		return "Invalid request."
	default:
		return "Internal server error."
	}
}

func configSetting(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Msg != "" {
		return de.Msg
	}
	return "configuration"
}

// Warning is a non-fatal condition attached to a result.
type Warning string

// UngroundedWarning signals that no match met the similarity threshold and
// the answer was produced without retrieved context.
const UngroundedWarning Warning = "ungrounded: no document met the similarity threshold"

// ChunkFailure records one chunk that could not be ingested.
type ChunkFailure struct {
	ID    string
	Index int
	Where string
	Err   error
}

// PartialFailure lists the chunks that failed during ingestion. Chunks not
// listed were stored and are not rolled back.
type PartialFailure struct {
	Failures []ChunkFailure
}

func (p *PartialFailure) Error() string {
	ids := make([]string, len(p.Failures))
	for i, f := range p.Failures {
		ids[i] = f.ID
	}
	return fmt.Sprintf("ingestion partial failure: %d chunk(s) failed: %s", len(p.Failures), strings.Join(ids, ", "))
}

// FailedIDs returns the ids of failed chunks in order.
func (p *PartialFailure) FailedIDs() []string {
	ids := make([]string, len(p.Failures))
	for i, f := range p.Failures {
		ids[i] = f.ID
	}
	return ids
}
