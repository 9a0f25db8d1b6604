package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
	"github.com/CherryPod/sentinel-sub001/pkg/provenance"
)

// Combined prompt + untrusted data ceiling before the worker call. The
// per-field limit is 50K chars but the orchestrator can combine prompt,
// chained data, and spotlighting markers, so allow 2x here.
const maxWorkerPromptChars = 100_000

// ViolationError is raised when the scan pipeline detects a security
// violation. RawResponse holds the worker's raw output when the violation
// is post-worker (output scan, echo scan); it is empty for pre-worker
// violations.
type ViolationError struct {
	Message     string
	ScanResults map[string]models.ScanResult
	RawResponse string
}

func (e *ViolationError) Error() string { return e.Message }

// Violations lists the scanner names that fired.
func (e *ViolationError) Violations() []string {
	var names []string
	for name, r := range e.ScanResults {
		if r.Found {
			names = append(names, name)
		}
	}
	return names
}

// PipelineScanResult aggregates per-scanner results.
type PipelineScanResult struct {
	Results map[string]models.ScanResult
}

// IsClean reports whether no scanner found anything.
func (r PipelineScanResult) IsClean() bool {
	for _, sr := range r.Results {
		if sr.Found {
			return false
		}
	}
	return true
}

// Violations returns only the scanners that fired.
func (r PipelineScanResult) Violations() map[string]models.ScanResult {
	out := map[string]models.ScanResult{}
	for name, sr := range r.Results {
		if sr.Found {
			out[name] = sr
		}
	}
	return out
}

// Worker is the air-gapped text-generation model behind the pipeline.
type Worker interface {
	Generate(ctx context.Context, prompt, marker string) (string, error)
}

// GuardConfig controls the optional ML classifier behaviour.
type GuardConfig struct {
	Enabled   bool
	Required  bool
	Threshold float64
}

// Pipeline runs every security scanner in order around the worker call.
type Pipeline struct {
	cred     *CredentialScanner
	path     *SensitivePathScanner
	cmd      *CommandPatternScanner
	encoding *EncodingScanner
	echo     *EchoScanner
	guard    PromptGuard
	guardCfg GuardConfig

	worker      Worker
	prov        *provenance.Store
	spotlightOn bool
	logger      *slog.Logger
}

// NewPipeline wires the scanner chain. guard may be nil when the classifier
// is not deployed.
func NewPipeline(
	cred *CredentialScanner,
	path *SensitivePathScanner,
	cmd *CommandPatternScanner,
	guard PromptGuard,
	guardCfg GuardConfig,
	worker Worker,
	prov *provenance.Store,
	spotlightOn bool,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cred:        cred,
		path:        path,
		cmd:         cmd,
		encoding:    NewEncodingScanner(cred, path, cmd),
		echo:        NewEchoScanner(),
		guard:       guard,
		guardCfg:    guardCfg,
		worker:      worker,
		prov:        prov,
		spotlightOn: spotlightOn,
		logger:      logger.With("component", "pipeline"),
	}
}

// guardResult handles the fail-closed case: if the classifier is required
// but unavailable, it reports a violation instead of silently passing.
func (p *Pipeline) guardResult(ctx context.Context, text string) (models.ScanResult, bool) {
	if !p.guardCfg.Enabled {
		return models.ScanResult{}, false
	}
	if p.guard == nil || !p.guard.Loaded() {
		if p.guardCfg.Required {
			return models.ScanResult{
				Found: true,
				Matches: []models.ScanMatch{{
					PatternName: "scanner_unavailable",
					MatchedText: "Prompt Guard required but not loaded",
				}},
				ScannerName: "prompt_guard",
			}, true
		}
		return models.ScanResult{ScannerName: "prompt_guard"}, true
	}
	result, err := p.guard.Scan(ctx, text, p.guardCfg.Threshold)
	if err != nil {
		p.logger.Warn("prompt guard scan failed", "error", err)
		if p.guardCfg.Required {
			return models.ScanResult{
				Found: true,
				Matches: []models.ScanMatch{{
					PatternName: "scanner_unavailable",
					MatchedText: "Prompt Guard scan failed: " + err.Error(),
				}},
				ScannerName: "prompt_guard",
			}, true
		}
		return models.ScanResult{ScannerName: "prompt_guard"}, true
	}
	return result, true
}

// ScanInput runs the inbound scanner chain.
func (p *Pipeline) ScanInput(ctx context.Context, text string) PipelineScanResult {
	t0 := time.Now()
	result := PipelineScanResult{Results: map[string]models.ScanResult{}}

	if gr, ok := p.guardResult(ctx, text); ok {
		result.Results["prompt_guard"] = gr
		if gr.Found && len(gr.Matches) > 0 && gr.Matches[0].PatternName == "scanner_unavailable" {
			return result
		}
	}

	result.Results["credential_scanner"] = p.cred.Scan(text)
	result.Results["sensitive_path_scanner"] = p.path.Scan(text)
	result.Results["command_pattern_scanner"] = p.cmd.Scan(text)
	result.Results["encoding_normalization_scanner"] = p.encoding.Scan(text)

	p.logScan("scan_input", result, len(text), time.Since(t0))
	return result
}

// ScanOutput runs the scanner chain over worker output. Path scanning is
// context-aware here so educational prose is not flagged.
func (p *Pipeline) ScanOutput(ctx context.Context, text string) PipelineScanResult {
	t0 := time.Now()
	result := PipelineScanResult{Results: map[string]models.ScanResult{}}

	if gr, ok := p.guardResult(ctx, text); ok {
		result.Results["prompt_guard"] = gr
		if gr.Found && len(gr.Matches) > 0 && gr.Matches[0].PatternName == "scanner_unavailable" {
			return result
		}
	}

	result.Results["credential_scanner"] = p.cred.Scan(text)
	result.Results["sensitive_path_scanner"] = p.path.ScanOutputText(text)
	result.Results["command_pattern_scanner"] = p.cmd.Scan(text)
	result.Results["encoding_normalization_scanner"] = p.encoding.ScanOutputText(text)

	p.logScan("scan_output", result, len(text), time.Since(t0))
	return result
}

func (p *Pipeline) logScan(event string, result PipelineScanResult, textLen int, elapsed time.Duration) {
	for name, sr := range result.Results {
		if sr.Found {
			patterns := make([]string, 0, len(sr.Matches))
			for _, m := range sr.Matches {
				patterns = append(patterns, m.PatternName)
			}
			p.logger.Warn("scanner found matches",
				"event", event, "scanner", name, "match_count", len(sr.Matches), "patterns", patterns)
		}
	}
	p.logger.Info("scan complete",
		"event", event,
		"clean", result.IsClean(),
		"text_length", textLen,
		"elapsed", elapsed.Round(time.Millisecond))
}

// Characters allowed in prompts sent to the worker. Blocks non-Latin
// scripts (CJK, Cyrillic, Arabic, Hangul) that the worker might follow as
// instructions while allowing the typographic Unicode the planner
// legitimately produces.
var allowedPromptChars = regexp.MustCompile(`^[` +
	`\x09\x0a\x0d` + // tab, newline, carriage return
	`\x20-\x7e` + // printable ASCII
	`\x{00a0}-\x{00ff}` + // Latin-1 Supplement
	`\x{0100}-\x{024f}` + // Latin Extended-A & B
	`\x{0250}-\x{02af}` + // IPA Extensions
	`\x{02b0}-\x{02ff}` + // Spacing Modifier Letters
	`\x{0300}-\x{036f}` + // Combining Diacritical Marks
	`\x{2000}-\x{206f}` + // General Punctuation
	`\x{2070}-\x{209f}` + // Superscripts and Subscripts
	`\x{20a0}-\x{20cf}` + // Currency Symbols
	`\x{2100}-\x{214f}` + // Letterlike Symbols
	`\x{2150}-\x{218f}` + // Number Forms
	`\x{2190}-\x{21ff}` + // Arrows
	`\x{2200}-\x{22ff}` + // Mathematical Operators
	`\x{2300}-\x{23ff}` + // Miscellaneous Technical
	`\x{2500}-\x{257f}` + // Box Drawing
	`\x{2580}-\x{259f}` + // Block Elements
	`\x{25a0}-\x{25ff}` + // Geometric Shapes
	`\x{2600}-\x{26ff}` + // Miscellaneous Symbols
	`\x{2700}-\x{27bf}` + // Dingbats
	`\x{fb00}-\x{fb06}` + // Latin ligatures
	`]*$`)

func (p *Pipeline) checkPromptScript(prompt string) error {
	if allowedPromptChars.MatchString(prompt) {
		return nil
	}

	var samples []string
	for i, r := range prompt {
		if !allowedPromptChars.MatchString(string(r)) {
			samples = append(samples, fmt.Sprintf("U+%04X %q at pos %d", r, string(r), i))
			if len(samples) >= 5 {
				break
			}
		}
	}
	desc := strings.Join(samples, ", ")

	p.logger.Warn("non-Latin script in worker prompt blocked", "samples", desc)
	return &ViolationError{
		Message: "Worker prompt contains blocked script characters: " + desc,
		ScanResults: map[string]models.ScanResult{
			"ascii_gate": {
				Found: true,
				Matches: []models.ScanMatch{{
					PatternName: "non_latin_script_in_prompt",
					MatchedText: desc,
				}},
				ScannerName: "ascii_prompt_gate",
			},
		},
	}
}

// ProcessRequest carries one worker invocation through the pipeline.
type ProcessRequest struct {
	Prompt        string
	UntrustedData string
	Marker        string
	SkipInputScan bool
	UserInput     string
}

// ProcessWithWorker runs the full pipeline: scan, spotlight, worker call,
// output scan, echo scan, tag. The returned TaggedData is always untrusted
// with source=worker.
//
// SkipInputScan is set for internally-constructed prompts: chained steps
// where the orchestrator already wrapped prior output in UNTRUSTED_DATA
// tags and markers. The user request was scanned at intake and the chained
// content was scanned as previous-step output; scanning the defensive
// wrapper itself false-triggers the classifier.
func (p *Pipeline) ProcessWithWorker(ctx context.Context, req ProcessRequest) (*models.TaggedData, error) {
	if !req.SkipInputScan {
		inputScan := p.ScanInput(ctx, req.Prompt)
		if !inputScan.IsClean() {
			return nil, &ViolationError{
				Message:     "Input blocked by security scan",
				ScanResults: inputScan.Violations(),
			}
		}
	}

	// Script gate covers everything the worker will see, untrusted data
	// included, since that is the text it may follow.
	if err := p.checkPromptScript(req.Prompt + req.UntrustedData); err != nil {
		return nil, err
	}

	combined := len(req.Prompt) + len(req.UntrustedData)
	if combined > maxWorkerPromptChars {
		p.logger.Warn("oversized prompt rejected", "combined_length", combined)
		return nil, &ViolationError{
			Message: fmt.Sprintf("Prompt too long (%d chars, maximum %d)", combined, maxWorkerPromptChars),
			ScanResults: map[string]models.ScanResult{
				"prompt_length_gate": {
					Found: true,
					Matches: []models.ScanMatch{{
						PatternName: "prompt_too_long",
						MatchedText: fmt.Sprintf("combined length: %d chars", combined),
					}},
					ScannerName: "prompt_length_gate",
				},
			},
		}
	}

	marker := req.Marker
	if marker == "" && p.spotlightOn {
		marker = GenerateMarker()
	}

	fullPrompt := req.Prompt
	if req.UntrustedData != "" {
		data := req.UntrustedData
		if p.spotlightOn {
			data = ApplyDatamarking(data, marker)
		}
		fullPrompt = req.Prompt + "\n\n<UNTRUSTED_DATA>\n" + data + "\n</UNTRUSTED_DATA>\n\n" + SandwichReminder
	}

	sum := sha256.Sum256([]byte(fullPrompt))
	promptHash := hex.EncodeToString(sum[:])[:16]
	p.logger.Info("sending to worker",
		"prompt_length", len(fullPrompt),
		"prompt_hash", promptHash,
		"spotlighted", req.UntrustedData != "" && p.spotlightOn)

	t0 := time.Now()
	response, err := p.worker.Generate(ctx, fullPrompt, marker)
	if err != nil {
		return nil, err
	}

	// The worker occasionally returns zero chars on a successful call,
	// usually a generation loop or backend hang. Retry once.
	if strings.TrimSpace(response) == "" {
		p.logger.Warn("worker returned empty response, retrying once", "prompt_hash", promptHash)
		response, err = p.worker.Generate(ctx, fullPrompt, marker)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(response) == "" {
			return nil, fmt.Errorf("worker returned an empty response after retry")
		}
	}

	p.logger.Info("worker response received",
		"response_length", len(response),
		"elapsed", time.Since(t0).Round(time.Millisecond),
		"prompt_hash", promptHash)

	tagged := p.prov.Create(response, models.SourceWorker, models.TrustUntrusted, "worker_pipeline")

	outputScan := p.ScanOutput(ctx, response)
	tagged.ScanResults = outputScan.Results
	if !outputScan.IsClean() {
		p.logger.Warn("worker output blocked", "data_id", tagged.ID)
		return nil, &ViolationError{
			Message:     "Worker output blocked by security scan",
			ScanResults: outputScan.Violations(),
			RawResponse: response,
		}
	}

	if req.UserInput != "" {
		echoResult := p.echo.Scan(req.UserInput, response)
		tagged.ScanResults["vulnerability_echo_scanner"] = echoResult
		if echoResult.Found {
			p.logger.Warn("vulnerability echo detected", "data_id", tagged.ID)
			return nil, &ViolationError{
				Message:     "Vulnerability echo: worker reproduced vulnerable code from input",
				ScanResults: map[string]models.ScanResult{"vulnerability_echo_scanner": echoResult},
				RawResponse: response,
			}
		}
	}

	p.logger.Info("pipeline complete", "data_id", tagged.ID, "trust_level", tagged.TrustLevel)
	return tagged, nil
}
