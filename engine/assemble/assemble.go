// Package assemble turns ranked matches into one bounded context block and
// the citations that go with it.
package assemble

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/pkg/fn"
)

// Separator joins blocks.
const Separator = "\n\n"

// DefaultBudget is the context size limit in characters.
const DefaultBudget = 6000

// Context is the assembled prompt context.
type Context struct {
	Text      string
	Citations []domain.Citation
	// Dropped counts matches removed to fit the budget.
	Dropped int
}

// Empty reports whether nothing survived assembly.
func (c Context) Empty() bool { return c.Text == "" }

// Block formats one match.
func Block(m domain.Match) string {
	if m.URL == "" {
		return fmt.Sprintf("From %q:\n%s", m.Title, m.Content)
	}
	return fmt.Sprintf("From %q (%s):\n%s", m.Title, m.URL, m.Content)
}

// Assemble concatenates matches in the given (similarity-descending) order,
// skipping repeated ids. It keeps the longest prefix of blocks whose joined
// length fits budget; later, lower-similarity blocks are dropped whole. A
// budget <= 0 means no limit.
func Assemble(matches []domain.Match, budget int) Context {
	var (
		ctx   Context
		b     strings.Builder
		used  int
		full  bool
		index int
	)
	unique := fn.UniqueBy(matches, func(m domain.Match) string { return m.ID })
	for _, m := range unique {
		block := Block(m)
		n := utf8.RuneCountInString(block)
		if index > 0 {
			n += utf8.RuneCountInString(Separator)
		}
		// Once one block overflows, everything after it is dropped too.
		if full || budget > 0 && used+n > budget {
			full = true
			ctx.Dropped++
			continue
		}
		if index > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(block)
		used += n
		index++
		ctx.Citations = append(ctx.Citations, domain.Citation{
			ID:         m.ID,
			Title:      m.Title,
			URL:        m.URL,
			Similarity: m.Similarity,
		})
	}
	ctx.Text = b.String()
	return ctx
}
