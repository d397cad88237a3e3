// Package text normalises request text before it is handed to a synthesis engine.
package text

import (
	"regexp"
	"strings"
	"unicode"
)

// Regex patterns for text preprocessing.
const (
	referenceRegexPattern  = `\[\d+\]`
	whitespaceRegexPattern = `\s+`
	repeatedPunctPattern   = `([!?,;:])[!?,;:]+`
	longEllipsisPattern    = `\.{4,}`
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Preprocessor provides text normalisation for synthesis engines.
type Preprocessor struct {
	referencePattern     *regexp.Regexp
	whitespacePattern    *regexp.Regexp
	repeatedPunctPattern *regexp.Regexp
	longEllipsisPattern  *regexp.Regexp
	abbreviationReplacer *strings.Replacer
	punctuationReplacer  *strings.Replacer
}

// NewPreprocessor creates a text preprocessor with compiled patterns and replacers.
func NewPreprocessor() *Preprocessor {
	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Dr.", "Doctor",
		"St.", "Saint",
		"Ltd.", "Limited",
		"Corp.", "Corporation",
		"Inc.", "Incorporated",
	}

	return &Preprocessor{
		referencePattern:     regexp.MustCompile(referenceRegexPattern),
		whitespacePattern:    regexp.MustCompile(whitespaceRegexPattern),
		repeatedPunctPattern: regexp.MustCompile(repeatedPunctPattern),
		longEllipsisPattern:  regexp.MustCompile(longEllipsisPattern),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		punctuationReplacer: strings.NewReplacer(
			emDash, ", ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// PreprocessText returns text in the form the engines read most naturally.
// Whitespace-only input yields an empty string.
func (p *Preprocessor) PreprocessText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	cleaned := stripControlCharacters(text)
	cleaned = p.abbreviationReplacer.Replace(cleaned)
	cleaned = p.referencePattern.ReplaceAllString(cleaned, "")
	cleaned = p.punctuationReplacer.Replace(cleaned)
	cleaned = p.longEllipsisPattern.ReplaceAllString(cleaned, ellipsis)
	cleaned = p.repeatedPunctPattern.ReplaceAllString(cleaned, "$1")
	cleaned = p.whitespacePattern.ReplaceAllString(cleaned, " ")
	cleaned = strings.ReplaceAll(cleaned, " ,", ",")

	return strings.TrimSpace(cleaned)
}

func stripControlCharacters(text string) string {
	return strings.Map(func(char rune) rune {
		if unicode.IsControl(char) && !unicode.IsSpace(char) {
			return -1
		}

		return char
	}, text)
}
