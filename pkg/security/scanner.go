// Package security implements the scanner chain, spotlighting, and the scan
// pipeline that wraps every worker call.
package security

import (
	"regexp"
	"strings"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
)

// CompiledPattern pairs a pattern name with its compiled regex.
type CompiledPattern struct {
	Name  string
	Regex *regexp.Regexp
}

// CompilePatterns compiles name/pattern pairs, skipping entries that fail
// to compile so one bad policy line cannot disable the scanner.
func CompilePatterns(raw map[string]string) []CompiledPattern {
	patterns := make([]CompiledPattern, 0, len(raw))
	for name, expr := range raw {
		re, err := regexp.Compile(expr)
		if err != nil {
			continue
		}
		patterns = append(patterns, CompiledPattern{Name: name, Regex: re})
	}
	return patterns
}

// CredentialScanner finds credentials and secrets in text.
type CredentialScanner struct {
	patterns []CompiledPattern
}

// URI-format pattern names eligible for example-URI suppression. API keys,
// PATs, and JWTs are never allowlisted.
var uriPatternNames = map[string]struct{}{
	"mongodb_uri":  {},
	"postgres_uri": {},
	"redis_uri":    {},
}

// Substrings that mark a URI as an example or placeholder rather than a
// real credential.
var exampleURIHosts = []string{
	"localhost", "127.0.0.1", "0.0.0.0", "::1",
	"example.com", "example.org", "example.net",
	"user:pass@", "user:password@", "username:password@",
	"your-password", "<password>", "changeme",
	// Compose service names, matched on the URI host portion.
	"//db:", "//redis:", "//postgres:", "//mysql:", "//mongo:",
	"//rabbitmq:", "//memcached:",
}

// NewCredentialScanner builds a scanner from compiled patterns.
func NewCredentialScanner(patterns []CompiledPattern) *CredentialScanner {
	return &CredentialScanner{patterns: patterns}
}

func (s *CredentialScanner) Scan(text string) models.ScanResult {
	var matches []models.ScanMatch
	for _, p := range s.patterns {
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			matched := text[loc[0]:loc[1]]

			if _, isURI := uriPatternNames[p.Name]; isURI && isExampleURI(matched) {
				continue
			}

			matches = append(matches, models.ScanMatch{
				PatternName: p.Name,
				MatchedText: matched,
				Position:    loc[0],
			})
		}
	}
	return models.ScanResult{
		Found:       len(matches) > 0,
		Matches:     matches,
		ScannerName: "credential_scanner",
	}
}

func isExampleURI(matched string) bool {
	for _, host := range exampleURIHosts {
		if strings.Contains(matched, host) {
			return true
		}
	}
	return false
}

// SensitivePathScanner finds references to sensitive filesystem paths.
type SensitivePathScanner struct {
	paths []string
}

var shellPrefixes = regexp.MustCompile(`(?i)^\s*(?:\$|#|sudo|cat|rm|chmod|chown|ls|cp|mv|mkdir|touch|head|tail|less|more|nano|vi|vim)\s`)

var codeBlockRe = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")

// NewSensitivePathScanner builds a scanner over a literal path list.
func NewSensitivePathScanner(paths []string) *SensitivePathScanner {
	return &SensitivePathScanner{paths: paths}
}

// Scan flags every occurrence of a sensitive path.
func (s *SensitivePathScanner) Scan(text string) models.ScanResult {
	var matches []models.ScanMatch
	for _, path := range s.paths {
		idx := 0
		for {
			pos := strings.Index(text[idx:], path)
			if pos == -1 {
				break
			}
			pos += idx
			matches = append(matches, models.ScanMatch{
				PatternName: "sensitive_path",
				MatchedText: path,
				Position:    pos,
			})
			idx = pos + 1
		}
	}
	return models.ScanResult{
		Found:       len(matches) > 0,
		Matches:     matches,
		ScannerName: "sensitive_path_scanner",
	}
}

// ScanOutputText is the context-aware variant for worker output. Paths in
// fenced code blocks, shell command lines, or standalone path-only lines
// are flagged; paths in natural-language prose (including refusals like
// "I cannot access /etc/shadow") pass through as educational mentions.
func (s *SensitivePathScanner) ScanOutputText(text string) models.ScanResult {
	var matches []models.ScanMatch

	var codeRanges [][2]int
	for _, m := range codeBlockRe.FindAllStringSubmatchIndex(text, -1) {
		codeRanges = append(codeRanges, [2]int{m[2], m[3]})
	}

	for _, path := range s.paths {
		idx := 0
		for {
			pos := strings.Index(text[idx:], path)
			if pos == -1 {
				break
			}
			pos += idx
			idx = pos + 1

			inCode := false
			for _, r := range codeRanges {
				if r[0] <= pos && pos < r[1] {
					inCode = true
					break
				}
			}
			if inCode {
				matches = append(matches, models.ScanMatch{PatternName: "sensitive_path", MatchedText: path, Position: pos})
				continue
			}

			line := lineAround(text, pos)
			stripped := strings.TrimSpace(line)

			if shellPrefixes.MatchString(line) {
				matches = append(matches, models.ScanMatch{PatternName: "sensitive_path", MatchedText: path, Position: pos})
				continue
			}
			if stripped == path || stripped == strings.TrimRight(path, "/") {
				matches = append(matches, models.ScanMatch{PatternName: "sensitive_path", MatchedText: path, Position: pos})
				continue
			}
			// List items with surrounding prose, "path — explanation" lines,
			// YAML-style config lines, and refusal sentences are educational.
		}
	}

	return models.ScanResult{
		Found:       len(matches) > 0,
		Matches:     matches,
		ScannerName: "sensitive_path_scanner",
	}
}

func lineAround(text string, pos int) string {
	start := strings.LastIndex(text[:pos], "\n") + 1
	end := strings.Index(text[pos:], "\n")
	if end == -1 {
		end = len(text)
	} else {
		end += pos
	}
	return text[start:end]
}

// CommandPatternScanner finds dangerous command patterns: pipe-to-shell,
// reverse shells, base64 decode+exec, netcat listeners, setuid chmod,
// cron injection, and similar.
type CommandPatternScanner struct {
	patterns []CompiledPattern
}

var defaultCommandPatterns = []CompiledPattern{
	{"pipe_to_shell", regexp.MustCompile(`(?i)(curl|wget)\s+[^|]+\|\s*(ba)?sh`)},
	{"reverse_shell_tcp", regexp.MustCompile(`(?i)/dev/tcp/`)},
	{"reverse_shell_bash", regexp.MustCompile(`(?i)bash\s+-i\s+>&`)},
	{"netcat_shell", regexp.MustCompile(`(?i)(nc|ncat|netcat)\s+.*(-e\s+|exec\s+)`)},
	{"base64_exec", regexp.MustCompile(`(?i)base64\s+(-d|--decode)\s*\|`)},
	{"encoded_payload", regexp.MustCompile(`[A-Za-z0-9+/]{100,}={0,2}`)},
	{"nohup_background", regexp.MustCompile(`(?i)nohup\s+\S+`)},
	{"chmod_setuid", regexp.MustCompile(`(?i)chmod\s+[ugo]*\+[rwx]*s|chmod\s+[2467]\d{3}\s+`)},
	{"chmod_world_writable", regexp.MustCompile(`(?i)chmod\s+(777|666|o\+w)\s+`)},
	{"cron_injection", regexp.MustCompile(`(?i)(crontab|/etc/cron)`)},
	{"eval_exec_shell", regexp.MustCompile(`(?i)\b(eval|exec)\s+["']?(\$\(|` + "`" + `|bash|sh\s)`)},
	{"download_execute", regexp.MustCompile(`(?i)(curl|wget)\s+.*-[oO]\s*\S+.*&&.*(\./|bash|sh|chmod)`)},
	// Require socket+connect plus a shell spawn; plain networking code uses
	// sockets without spawning shells.
	{"scripting_reverse_shell", regexp.MustCompile(`(?is)(python|perl|ruby).*socket.*connect.*(subprocess|os\.system|os\.popen|pty\.spawn|exec\()`)},
	{"mkfifo_shell", regexp.MustCompile(`(?i)mkfifo\s+.*(nc|ncat|netcat|bash)`)},
}

// NewCommandPatternScanner builds a scanner with the default pattern set
// plus any policy-supplied extras.
func NewCommandPatternScanner(extra []CompiledPattern) *CommandPatternScanner {
	patterns := make([]CompiledPattern, 0, len(defaultCommandPatterns)+len(extra))
	patterns = append(patterns, defaultCommandPatterns...)
	patterns = append(patterns, extra...)
	return &CommandPatternScanner{patterns: patterns}
}

func (s *CommandPatternScanner) Scan(text string) models.ScanResult {
	var matches []models.ScanMatch
	for _, p := range s.patterns {
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			matches = append(matches, models.ScanMatch{
				PatternName: p.Name,
				MatchedText: text[loc[0]:loc[1]],
				Position:    loc[0],
			})
		}
	}
	return models.ScanResult{
		Found:       len(matches) > 0,
		Matches:     matches,
		ScannerName: "command_pattern_scanner",
	}
}
