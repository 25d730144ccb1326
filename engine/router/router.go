// Package router picks the branch a chat message is handled by. It is a
// keyword classifier driven entirely by an ordered rule list.
package router

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Intent is the branch a message is dispatched to.
type Intent string

const (
	QuestionAnswering Intent = "question_answering"
	Image             Intent = "image"
	Fetch             Intent = "fetch"
	StructuredLookup  Intent = "structured_lookup"
)

// ParseIntent validates a configured intent name.
func ParseIntent(s string) (Intent, error) {
	switch i := Intent(strings.ToLower(strings.TrimSpace(s))); i {
	case QuestionAnswering, Image, Fetch, StructuredLookup:
		return i, nil
	}
	return "", fmt.Errorf("router: unknown intent %q", s)
}

// Rule maps a keyword set to an intent. Rules are tried in order.
type Rule struct {
	Intent   Intent   `yaml:"intent" json:"intent"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// DefaultRules lists image first, then fetch, then structured lookup.
func DefaultRules() []Rule {
	return []Rule{
		{Intent: Image, Keywords: []string{"poster", "image", "picture", "illustration", "draw"}},
		{Intent: Fetch, Keywords: []string{"scrape", "website", "fetch", "url"}},
		{Intent: StructuredLookup, Keywords: []string{"airtable", "record", "records", "database"}},
	}
}

// Decision is a routing result. Keyword is the matched keyword, empty for
// the default branch.
type Decision struct {
	Intent  Intent
	Keyword string
}

type compiled struct {
	intent Intent
	re     *regexp.Regexp
}

// Router is immutable after New and safe for concurrent use.
type Router struct {
	rules []compiled
}

// New compiles rules. Keywords match whole words, case-insensitively; a
// multi-word keyword matches as a phrase with any run of whitespace.
func New(rules []Rule) (*Router, error) {
	r := &Router{}
	for i, rule := range rules {
		if _, err := ParseIntent(string(rule.Intent)); err != nil {
			return nil, fmt.Errorf("router: rule %d: %w", i, err)
		}
		var alts []string
		for _, kw := range rule.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			parts := strings.Fields(kw)
			for j, p := range parts {
				parts[j] = regexp.QuoteMeta(p)
			}
			alts = append(alts, strings.Join(parts, `\s+`))
		}
		if len(alts) == 0 {
			continue
		}
		re, err := regexp.Compile(`\b(` + strings.Join(alts, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("router: rule %d: %w", i, err)
		}
		r.rules = append(r.rules, compiled{intent: rule.Intent, re: re})
	}
	return r, nil
}

// Default returns a router over DefaultRules.
func Default() *Router {
	r, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return r
}

// Route classifies message. The first rule with a matching keyword wins;
// otherwise the result is QuestionAnswering.
func (r *Router) Route(message string) Decision {
	lower := strings.ToLower(message)
	for _, rule := range r.rules {
		if m := rule.re.FindStringSubmatch(lower); m != nil {
			return Decision{Intent: rule.intent, Keyword: strings.Join(strings.Fields(m[1]), " ")}
		}
	}
	return Decision{Intent: QuestionAnswering}
}

// LoadRules reads a YAML document of the form
//
//	rules:
//	  - intent: image
//	    keywords: [poster, image]
func LoadRules(rd io.Reader) ([]Rule, error) {
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.NewDecoder(rd).Decode(&doc); err != nil {
		return nil, fmt.Errorf("router: decode rules: %w", err)
	}
	return doc.Rules, nil
}
