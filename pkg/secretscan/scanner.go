// Package secretscan detects and redacts likely secrets in cell output
// text using two passes: regexes for well-known credential shapes, each
// with an expected entropy, then a Shannon-entropy sweep over candidate
// substrings that match nothing known but still look random enough to be a
// key.
package secretscan

import (
	"math"
	"regexp"
	"sort"
)

// Match is a detected secret with enough metadata to redact it in place.
type Match struct {
	Text       string
	Start      int
	End        int
	Entropy    float64
	SecretType string
	Confidence float64
}

const (
	hexThreshold         = 3.7
	highEntropyThreshold = 4.2
	apiKeyThreshold      = 4.5

	minStringLength = 20
)

type patternRule struct {
	re              *regexp.Regexp
	secretType      string
	expectedEntropy float64
}

var patterns = []patternRule{
	{regexp.MustCompile(`sk-proj-[a-zA-Z0-9_-]{20,}`), "openai_project_key", 6.0},
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "openai_api_key", 6.0},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "aws_access_key", 5.5},
	{regexp.MustCompile(`(?i)(?:aws_secret_access_key)\s*[:=]\s*[A-Za-z0-9/+=]{40}`), "aws_secret_key", 6.0},
	{regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`), "google_api_key", 5.5},
	{regexp.MustCompile(`ghp_[0-9a-zA-Z]{36}`), "github_pat", 6.0},
	{regexp.MustCompile(`gho_[0-9a-zA-Z]{36}`), "github_oauth", 6.0},
	{regexp.MustCompile(`ghs_[0-9a-zA-Z]{36}`), "github_server_token", 6.0},
	{regexp.MustCompile(`sk_live_[0-9a-zA-Z]{24,}`), "stripe_live_key", 6.0},
	{regexp.MustCompile(`sk_test_[0-9a-zA-Z]{24,}`), "stripe_test_key", 6.0},
	{regexp.MustCompile(`xoxb-[0-9]{11}-[0-9]{11}-[0-9a-zA-Z]{24}`), "slack_bot_token", 6.0},
	{regexp.MustCompile(`xoxp-[0-9]{11}-[0-9]{11}-[0-9]{11}-[0-9a-zA-Z]{32}`), "slack_user_token", 6.0},
	{regexp.MustCompile(`SK[0-9a-fA-F]{32}`), "twilio_api_key", 5.5},
}

var (
	candidateAlnum = regexp.MustCompile(`[a-zA-Z0-9_-]{20,}`)
	candidateB64   = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	candidateHex   = regexp.MustCompile(`[a-fA-F0-9]{32,}`)
	fullHex        = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

// ShannonEntropy computes the Shannon entropy of text in bits per character.
func ShannonEntropy(text string) float64 {
	if text == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range text {
		counts[r]++
	}
	length := float64(len(text))
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

type span struct {
	text       string
	start, end int
}

func extractCandidates(text string) []span {
	var spans []span
	for _, re := range []*regexp.Regexp{candidateAlnum, candidateB64, candidateHex} {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, span{text[loc[0]:loc[1]], loc[0], loc[1]})
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return len(spans[i].text) > len(spans[j].text)
	})

	var out []span
	lastEnd := -1
	for _, s := range spans {
		if s.start >= lastEnd {
			out = append(out, s)
			lastEnd = s.end
		}
	}
	return out
}

// Scan scans text for potential secrets using pattern matching followed by
// entropy analysis over unmatched candidate substrings.
func Scan(text string) []Match {
	var matches []Match

	alreadyAt := func(start, end int) bool {
		for _, m := range matches {
			if m.Start == start && m.End == end {
				return true
			}
		}
		return false
	}

	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			matched := text[loc[0]:loc[1]]
			entropy := ShannonEntropy(matched)
			confidence := 0.7
			if entropy >= p.expectedEntropy*0.8 {
				confidence = math.Min(entropy/p.expectedEntropy, 1.0)
			}
			matches = append(matches, Match{
				Text:       matched,
				Start:      loc[0],
				End:        loc[1],
				Entropy:    entropy,
				SecretType: p.secretType,
				Confidence: confidence,
			})
		}
	}

	for _, c := range extractCandidates(text) {
		if len(c.text) < minStringLength || alreadyAt(c.start, c.end) {
			continue
		}
		entropy := ShannonEntropy(c.text)
		isHex := fullHex.MatchString(c.text) && len(c.text) >= 40

		switch {
		case isHex && entropy >= hexThreshold:
			matches = append(matches, Match{c.text, c.start, c.end, entropy, "hex_encoded_secret",
				math.Min((entropy-hexThreshold)/1.0+0.6, 0.9)})
		case entropy >= apiKeyThreshold:
			matches = append(matches, Match{c.text, c.start, c.end, entropy, "high_entropy_string",
				math.Min((entropy-apiKeyThreshold)/2.0+0.7, 1.0)})
		case entropy >= highEntropyThreshold:
			matches = append(matches, Match{c.text, c.start, c.end, entropy, "possible_secret",
				math.Min((entropy-highEntropyThreshold)/2.0+0.5, 0.8)})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

// Redact replaces every match in text with a [REDACTED_<TYPE>] marker,
// processing matches back-to-front so earlier offsets stay valid.
func Redact(text string, matches []Match) string {
	if len(matches) == 0 {
		return text
	}
	sorted := append([]Match(nil), matches...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })

	result := text
	for _, m := range sorted {
		marker := "[REDACTED_" + upper(m.SecretType) + "]"
		result = result[:m.Start] + marker + result[m.End:]
	}
	return result
}

// ScanAndRedact scans and redacts secrets above minConfidence in one pass.
func ScanAndRedact(text string, minConfidence float64) (string, []Match) {
	all := Scan(text)
	var kept []Match
	for _, m := range all {
		if m.Confidence >= minConfidence {
			kept = append(kept, m)
		}
	}
	return Redact(text, kept), kept
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
