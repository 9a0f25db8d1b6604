package security

import (
	"regexp"
	"sort"
	"strings"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
)

// EchoScanner compares vulnerability fingerprints between the user's input
// and the worker's output. It catches the worker reproducing vulnerable
// code from the input instead of fixing it. Only output code regions are
// checked so educational prose does not trigger it.
type EchoScanner struct{}

func NewEchoScanner() *EchoScanner {
	return &EchoScanner{}
}

type fingerprint struct {
	re   *regexp.Regexp
	name string
}

var vulnFingerprints = []fingerprint{
	{regexp.MustCompile(`\beval\s*\(`), "python_eval"},
	{regexp.MustCompile(`\bexec\s*\(`), "python_exec"},
	{regexp.MustCompile(`\bos\.system\s*\(`), "python_os_system"},
	{regexp.MustCompile(`\bos\.popen\s*\(`), "python_os_popen"},
	{regexp.MustCompile(`(?s)\bsubprocess\.call\(.*shell\s*=\s*True`), "python_subprocess_shell"},
	{regexp.MustCompile(`\bpickle\.loads?\s*\(`), "python_pickle"},
	{regexp.MustCompile(`\byaml\.load\s*\(`), "python_yaml_unsafe"},
	{regexp.MustCompile(`__import__\s*\(`), "python_import"},
	{regexp.MustCompile(`\bchild_process\.exec\s*\(`), "js_child_process"},
	{regexp.MustCompile(`\.innerHTML\s*=`), "js_innerhtml"},
	{regexp.MustCompile(`(?i)['"]?\s*(?:OR|AND)\s+\d+\s*=\s*\d+`), "sql_injection"},
	{regexp.MustCompile(`(?i)\bUNION\s+SELECT\b`), "sql_union"},
	{regexp.MustCompile(`(?i);\s*DROP\s+TABLE\b`), "sql_drop"},
	{regexp.MustCompile(`\bdeserialize\s*\(`), "deserialization"},
}

var indentedLineRe = regexp.MustCompile(`(?m)^(?:    |\t).+`)

func extractCodeRegions(text string) string {
	var parts []string
	for _, m := range codeBlockRe.FindAllStringSubmatch(text, -1) {
		parts = append(parts, m[1])
	}
	parts = append(parts, indentedLineRe.FindAllString(text, -1)...)
	return strings.Join(parts, "\n")
}

func findFingerprints(text string) map[string]struct{} {
	found := map[string]struct{}{}
	for _, fp := range vulnFingerprints {
		if fp.re.MatchString(text) {
			found[fp.name] = struct{}{}
		}
	}
	return found
}

// Scan flags fingerprints present in BOTH the input and the output's code
// regions. A fingerprint in the input but absent from the output code means
// the worker fixed the vulnerability, which is fine.
func (s *EchoScanner) Scan(inputText, outputText string) models.ScanResult {
	inputFPs := findFingerprints(inputText)
	if len(inputFPs) == 0 {
		return models.ScanResult{ScannerName: "vulnerability_echo_scanner"}
	}

	outputFPs := findFingerprints(extractCodeRegions(outputText))

	var echoed []string
	for name := range inputFPs {
		if _, ok := outputFPs[name]; ok {
			echoed = append(echoed, name)
		}
	}
	if len(echoed) == 0 {
		return models.ScanResult{ScannerName: "vulnerability_echo_scanner"}
	}
	sort.Strings(echoed)

	matches := make([]models.ScanMatch, 0, len(echoed))
	for _, name := range echoed {
		matches = append(matches, models.ScanMatch{
			PatternName: "vuln_echo:" + name,
			MatchedText: name,
		})
	}
	return models.ScanResult{
		Found:       true,
		Matches:     matches,
		ScannerName: "vulnerability_echo_scanner",
	}
}
