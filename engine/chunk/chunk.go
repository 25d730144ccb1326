// Package chunk splits ingested text into bounded, overlapping segments.
// Two modes exist: fixed character windows, and heading-delimited sections
// for structured documents. Both are deterministic.
package chunk

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultSize is the maximum number of characters per chunk.
	DefaultSize = 1000
	// DefaultOverlap is the number of characters shared with the previous chunk.
	DefaultOverlap = 200
)

// ErrInvalidParams is returned when size <= overlap or overlap < 0.
var ErrInvalidParams = errors.New("chunk: size must exceed overlap and overlap must be non-negative")

// Mode selects how a document is split.
type Mode string

const (
	ModeFixed    Mode = "fixed"
	ModeSections Mode = "sections"
)

// Fixed splits text into windows of size characters, advancing by
// size-overlap each step. It does not look for sentence boundaries. The
// final window ends at the end of the text; no window is emitted that lies
// entirely inside the previous one.
func Fixed(text string, size, overlap int) ([]string, error) {
	if overlap < 0 || size <= overlap {
		return nil, ErrInvalidParams
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	step := size - overlap
	var out []string
	for i := 0; i < len(runes); i += step {
		end := min(i+size, len(runes))
		out = append(out, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return out, nil
}

// headingRe matches a line made only of capitalized words, optionally
// joined by "&" or "-".
var headingRe = regexp.MustCompile(`^[A-Z][A-Za-z]*(?:(?:\s+|\s*[&-]\s*)[A-Z][A-Za-z]*)*$`)

// IsHeading reports whether a trimmed line starts a new section.
func IsHeading(line string) bool {
	return headingRe.MatchString(line)
}

// Section is a titled block of body lines.
type Section struct {
	Title   string
	Content string
}

// Sections splits text on heading lines. Body lines before the first
// heading form an untitled leading section; a heading with no body lines is
// dropped. Text without headings yields one untitled section.
func Sections(text string) []Section {
	var (
		out   []Section
		title string
		body  []string
	)
	flush := func() {
		if len(body) > 0 {
			out = append(out, Section{Title: title, Content: strings.Join(body, "\n")})
		}
		body = nil
	}

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if IsHeading(line) {
			flush()
			title = line
			continue
		}
		body = append(body, line)
	}
	flush()
	return out
}

// Piece is one unit produced by Split, ready to embed.
type Piece struct {
	Index int
	// Key is the sequence key the chunk id is derived from.
	Key       string
	Title     string
	Content   string
	EmbedText string
}

// Options configures Split.
type Options struct {
	Mode    Mode
	Size    int
	Overlap int
}

// DefaultOptions returns fixed mode with the default window.
func DefaultOptions() Options {
	return Options{Mode: ModeFixed, Size: DefaultSize, Overlap: DefaultOverlap}
}

// Split chunks a document. In sections mode each section is embedded as
// "<title>\n<content>" and oversized sections are further split with Fixed.
// Pre-split sections (from a structured import) are used as given.
func Split(docID, title, content string, sections []Section, opts Options) ([]Piece, error) {
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	if opts.Overlap < 0 || opts.Size <= opts.Overlap {
		return nil, ErrInvalidParams
	}

	if opts.Mode != ModeSections && len(sections) == 0 {
		parts, err := Fixed(content, opts.Size, opts.Overlap)
		if err != nil {
			return nil, err
		}
		pieces := make([]Piece, len(parts))
		for i, p := range parts {
			pieces[i] = Piece{
				Index:     i,
				Key:       fmt.Sprintf("%s-%d", docID, i),
				Title:     title,
				Content:   p,
				EmbedText: p,
			}
		}
		return pieces, nil
	}

	if len(sections) == 0 {
		sections = Sections(content)
	}

	var pieces []Piece
	for i, s := range sections {
		secTitle := s.Title
		if secTitle == "" {
			secTitle = title
		}
		parts, err := Fixed(s.Content, opts.Size, opts.Overlap)
		if err != nil {
			return nil, err
		}
		for j, p := range parts {
			key := fmt.Sprintf("%s_section_%d", docID, i)
			if len(parts) > 1 {
				key = fmt.Sprintf("%s-%d", key, j)
			}
			pieces = append(pieces, Piece{
				Index:     len(pieces),
				Key:       key,
				Title:     secTitle,
				Content:   p,
				EmbedText: secTitle + "\n" + p,
			})
		}
	}
	return pieces, nil
}

// ID derives a stable chunk id from its sequence key, so re-ingesting the
// same source overwrites rather than duplicates.
func ID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// DocID derives a stable document id from a title when none is given.
func DocID(sourceType, title string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sourceType+":"+title)).String()
}
