package image

import (
	"fmt"
	"regexp"
	"strings"
)

// GenericStyle is used when no reference document matches the prompt.
const GenericStyle = `Create a clean, modern poster with neutral colors (gray, white, blue).
Focus on strong composition and visual storytelling.
Avoid brand-specific elements or colors.`

var (
	brandHeading = regexp.MustCompile(`(?im)^##\s*Brand:\s*(\w+)`)
	colorsLine   = regexp.MustCompile(`(?im)^\s*Colors:\s*(.+)$`)
	overviewLine = regexp.MustCompile(`(?im)^\s*Overview:\s*(.+)$`)
	noteLine     = regexp.MustCompile(`(?m)^\s*-\s+(.+)$`)
	wordSplit    = regexp.MustCompile(`\W+`)
)

// BrandStyle is the style guidance of one "## Brand: <name>" section of a
// reference document.
type BrandStyle struct {
	Name     string
	Overview string
	Colors   string
	Notes    []string
}

// Brands lists the lowercased brand names declared in content.
func Brands(content string) []string {
	var out []string
	for _, m := range brandHeading.FindAllStringSubmatch(content, -1) {
		out = append(out, strings.ToLower(m[1]))
	}
	return out
}

// DetectBrand returns the first brand of content that appears as a word of
// prompt.
func DetectBrand(content, prompt string) (string, bool) {
	words := make(map[string]bool)
	for _, w := range wordSplit.Split(strings.ToLower(prompt), -1) {
		words[w] = true
	}
	for _, b := range Brands(content) {
		if words[b] {
			return b, true
		}
	}
	return "", false
}

// ExtractBrandStyle reads the section of content for brand.
func ExtractBrandStyle(content, brand string) (BrandStyle, bool) {
	locs := brandHeading.FindAllStringSubmatchIndex(content, -1)
	for i, loc := range locs {
		name := content[loc[2]:loc[3]]
		if !strings.EqualFold(name, brand) {
			continue
		}
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		section := content[loc[1]:end]

		st := BrandStyle{Name: name}
		if m := overviewLine.FindStringSubmatch(section); m != nil {
			st.Overview = strings.TrimSpace(m[1])
		}
		if m := colorsLine.FindStringSubmatch(section); m != nil {
			st.Colors = strings.TrimSpace(m[1])
		}
		for _, m := range noteLine.FindAllStringSubmatch(section, -1) {
			st.Notes = append(st.Notes, strings.TrimSpace(m[1]))
		}
		return st, true
	}
	return BrandStyle{}, false
}

// BuildPrompt composes the image model prompt. reference is the content of
// the best retrieved document, or empty when none matched.
func BuildPrompt(request, reference string) string {
	style := GenericStyle
	overview := ""
	if reference != "" {
		if brand, ok := DetectBrand(reference, request); ok {
			st, _ := ExtractBrandStyle(reference, brand)
			overview = st.Overview
			colors, notes := st.Colors, strings.Join(st.Notes, "; ")
			if colors == "" {
				colors = "N/A"
			}
			if notes == "" {
				notes = "No specific notes."
			}
			style = fmt.Sprintf("Use these style details:\n- Colors: %s.\n- Notes: %s.", colors, notes)
		} else {
			style = "Use this reference material for style and content:\n" + reference
		}
	}

	var b strings.Builder
	b.WriteString("Create a bold, full-frame illustrated image.\n\n")
	if overview != "" {
		fmt.Fprintf(&b, "Brand overview: %s\n\n", overview)
	}
	fmt.Fprintf(&b, "Visual style:\n%s\n\n", style)
	b.WriteString("Focus on strong composition, texture, and atmosphere.\n")
	b.WriteString("Avoid excessive or detailed text; use minimal or no lettering.\n")
	b.WriteString("Emphasize visual storytelling over layout or typography.\n\n")
	fmt.Fprintf(&b, "Image request details:\n%s\n\n", request)
	b.WriteString("This should look like a single, standalone image, not a framed mockup, collage, or digital ad.")
	return b.String()
}
