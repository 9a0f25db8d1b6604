package security

import (
	"encoding/base64"
	"encoding/hex"
	"html"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
)

// EncodingScanner decodes common encodings and re-runs the deterministic
// scanners on each decoded variant. It only flags when a decoded form
// trips an inner scanner, catching base64, hex, URL encoding, ROT13, HTML
// entities, and character splitting used to hide payloads from the regex
// scanners.
type EncodingScanner struct {
	cred *CredentialScanner
	path *SensitivePathScanner
	cmd  *CommandPatternScanner
}

var (
	base64CandidateRe = regexp.MustCompile(`[A-Za-z0-9+/]{16,}={0,2}`)
	hexCandidateRe    = regexp.MustCompile(`[0-9a-fA-F]{16,}`)
	urlEncodedRe      = regexp.MustCompile(`%[0-9a-fA-F]{2}`)
	htmlEntityRe      = regexp.MustCompile(`(?i)&#\d+;|&#x[0-9a-fA-F]+;|&[a-z]+;`)
	charSplitRe       = regexp.MustCompile(`(?:^|\s)((?:\S ){3,}\S)(?:\s|$)`)
)

// Minimum printable characters for a decoded result to count as text.
const minPrintable = 4

func NewEncodingScanner(cred *CredentialScanner, path *SensitivePathScanner, cmd *CommandPatternScanner) *EncodingScanner {
	return &EncodingScanner{cred: cred, path: path, cmd: cmd}
}

// Scan decodes the text through every decoder and re-scans each variant.
func (s *EncodingScanner) Scan(text string) models.ScanResult {
	return s.scan(text, false)
}

// ScanOutputText is like Scan but uses context-aware path scanning.
func (s *EncodingScanner) ScanOutputText(text string) models.ScanResult {
	return s.scan(text, true)
}

func (s *EncodingScanner) scan(text string, outputMode bool) models.ScanResult {
	variants := decodeAll(text)
	if len(variants) == 0 {
		return models.ScanResult{ScannerName: "encoding_normalization_scanner"}
	}

	var all []models.ScanMatch
	for _, v := range variants {
		var pathResult models.ScanResult
		if outputMode {
			pathResult = s.path.ScanOutputText(v.decoded)
		} else {
			pathResult = s.path.Scan(v.decoded)
		}
		for _, inner := range []models.ScanResult{s.cred.Scan(v.decoded), pathResult, s.cmd.Scan(v.decoded)} {
			for _, m := range inner.Matches {
				all = append(all, models.ScanMatch{
					PatternName: "encoded:" + v.encoding + ":" + m.PatternName,
					MatchedText: m.MatchedText,
					Position:    m.Position,
				})
			}
		}
	}

	return models.ScanResult{
		Found:       len(all) > 0,
		Matches:     all,
		ScannerName: "encoding_normalization_scanner",
	}
}

type decodedVariant struct {
	encoding string
	decoded  string
}

func decodeAll(text string) []decodedVariant {
	var results []decodedVariant

	for _, decoded := range tryBase64(text) {
		results = append(results, decodedVariant{"base64", decoded})
	}
	for _, decoded := range tryHex(text) {
		results = append(results, decodedVariant{"hex", decoded})
	}
	if decoded, ok := tryURLDecode(text); ok {
		results = append(results, decodedVariant{"url_encoding", decoded})
	}
	// ROT13 always runs: cheap and low false-positive risk.
	results = append(results, decodedVariant{"rot13", rot13(text)})
	if decoded, ok := tryHTMLEntities(text); ok {
		results = append(results, decodedVariant{"html_entities", decoded})
	}
	if decoded := collapseCharSplitting(text); decoded != text {
		results = append(results, decodedVariant{"char_splitting", decoded})
	}

	return results
}

func isValidDecoded(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	printable := 0
	for _, r := range s {
		if unicode.IsPrint(r) {
			printable++
		}
	}
	return printable >= minPrintable
}

func tryBase64(text string) []string {
	var results []string
	for _, candidate := range base64CandidateRe.FindAllString(text, -1) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		s := string(decoded)
		if isValidDecoded(s) {
			results = append(results, s)
		}
	}
	return results
}

func tryHex(text string) []string {
	var results []string
	for _, candidate := range hexCandidateRe.FindAllString(text, -1) {
		if len(candidate)%2 != 0 {
			continue
		}
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		s := string(decoded)
		if isValidDecoded(s) {
			results = append(results, s)
		}
	}
	return results
}

func tryURLDecode(text string) (string, bool) {
	if !urlEncodedRe.MatchString(text) {
		return "", false
	}
	decoded, err := url.PathUnescape(text)
	if err != nil || decoded == text {
		return "", false
	}
	return decoded, true
}

func rot13(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, text)
}

func tryHTMLEntities(text string) (string, bool) {
	if !htmlEntityRe.MatchString(text) {
		return "", false
	}
	decoded := html.UnescapeString(text)
	if decoded == text {
		return "", false
	}
	return decoded, true
}

// collapseCharSplitting joins single-char-space runs ("c a t" -> "cat").
func collapseCharSplitting(text string) string {
	out := charSplitRe.ReplaceAllStringFunc(text, func(m string) string {
		trimmed := strings.TrimSpace(m)
		chars := strings.Split(trimmed, " ")
		for _, c := range chars {
			if len(c) != 1 {
				return m
			}
		}
		return " " + strings.Join(chars, "") + " "
	})
	return strings.TrimSpace(out)
}
