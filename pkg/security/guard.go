package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
)

// PromptGuard is the optional ML injection classifier. Implementations run
// out of process; a nil PromptGuard means the classifier is unavailable and
// the pipeline's fail-open/fail-closed config decides what happens.
type PromptGuard interface {
	Loaded() bool
	// Scan classifies text and reports found=true when the injection or
	// jailbreak probability exceeds the threshold.
	Scan(ctx context.Context, text string, threshold float64) (models.ScanResult, error)
}

// CodeShield is the optional ML insecure-code scanner. It runs on all
// worker output regardless of whether the step expects code.
type CodeShield interface {
	Available() bool
	ScanCode(ctx context.Context, text string) (models.ScanResult, error)
}

// HTTPCodeShield talks to the insecure-code scanner sidecar over HTTP.
type HTTPCodeShield struct {
	baseURL string
	client  *http.Client
}

func NewHTTPCodeShield(baseURL string, timeout time.Duration) *HTTPCodeShield {
	return &HTTPCodeShield{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPCodeShield) Available() bool {
	req, err := http.NewRequest(http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *HTTPCodeShield) ScanCode(ctx context.Context, text string) (models.ScanResult, error) {
	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/scan_code", bytes.NewReader(body))
	if err != nil {
		return models.ScanResult{ScannerName: "code_shield"}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return models.ScanResult{ScannerName: "code_shield"}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.ScanResult{ScannerName: "code_shield"}, fmt.Errorf("code shield sidecar returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		Insecure bool     `json:"insecure"`
		Findings []string `json:"findings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.ScanResult{ScannerName: "code_shield"}, err
	}

	result := models.ScanResult{ScannerName: "code_shield", Found: out.Insecure}
	for _, f := range out.Findings {
		result.Matches = append(result.Matches, models.ScanMatch{
			PatternName: "insecure_code",
			MatchedText: f,
		})
	}
	return result, nil
}

// HTTPPromptGuard talks to a classifier sidecar over HTTP.
type HTTPPromptGuard struct {
	baseURL string
	client  *http.Client
}

func NewHTTPPromptGuard(baseURL string, timeout time.Duration) *HTTPPromptGuard {
	return &HTTPPromptGuard{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPPromptGuard) Loaded() bool {
	req, err := http.NewRequest(http.MethodGet, g.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (g *HTTPPromptGuard) Scan(ctx context.Context, text string, threshold float64) (models.ScanResult, error) {
	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return models.ScanResult{ScannerName: "prompt_guard"}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return models.ScanResult{ScannerName: "prompt_guard"}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.ScanResult{ScannerName: "prompt_guard"}, fmt.Errorf("prompt guard sidecar returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		Injection float64 `json:"injection"`
		Jailbreak float64 `json:"jailbreak"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.ScanResult{ScannerName: "prompt_guard"}, err
	}

	result := models.ScanResult{ScannerName: "prompt_guard"}
	if out.Injection >= threshold {
		result.Found = true
		result.Matches = append(result.Matches, models.ScanMatch{
			PatternName: "injection",
			MatchedText: fmt.Sprintf("injection probability %.3f", out.Injection),
		})
	}
	if out.Jailbreak >= threshold {
		result.Found = true
		result.Matches = append(result.Matches, models.ScanMatch{
			PatternName: "jailbreak",
			MatchedText: fmt.Sprintf("jailbreak probability %.3f", out.Jailbreak),
		})
	}
	return result, nil
}
