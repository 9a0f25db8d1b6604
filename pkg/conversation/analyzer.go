// Package conversation implements deterministic multi-turn attack detection.
//
// Eight scoring rules detect patterns that span conversation turns:
// retry_after_block, escalation, sensitive_topic_acceleration,
// instruction_override, violation_accumulation, context_building,
// reconnaissance, topic_shift. Risk accumulates within a session and never
// decreases.
package conversation

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/CherryPod/sentinel-sub001/pkg/session"
)

// Analyzer actions.
const (
	ActionAllow = "allow"
	ActionWarn  = "warn"
	ActionBlock = "block"
)

// AnalysisResult is the analyzer's verdict for one request.
type AnalysisResult struct {
	Action     string
	TotalScore float64
	RuleScores map[string]float64
	Warnings   []string
}

// Analyzer scores requests against session history.
type Analyzer struct {
	warnThreshold  float64
	blockThreshold float64
	logger         *slog.Logger
}

// NewAnalyzer creates an analyzer with the given thresholds.
func NewAnalyzer(warnThreshold, blockThreshold float64, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		warnThreshold:  warnThreshold,
		blockThreshold: blockThreshold,
		logger:         logger.With("component", "conversation"),
	}
}

// Analyze scores a request in the context of its session.
//
// On the first turn only the stateless instruction_override rule runs; the
// other rules need history to compare against.
func (a *Analyzer) Analyze(sess *session.Session, currentRequest string) AnalysisResult {
	if len(sess.Turns) == 0 {
		score, warnings := checkInstructionOverride(currentRequest)
		if score > 0 {
			action := ActionAllow
			if score >= a.blockThreshold {
				action = ActionBlock
			} else if score >= a.warnThreshold {
				action = ActionWarn
			}
			a.logger.Info("first turn instruction override",
				"session_id", sess.SessionID, "score", score, "action", action)
			return AnalysisResult{
				Action:     action,
				TotalScore: score,
				RuleScores: map[string]float64{"instruction_override": score},
				Warnings:   warnings,
			}
		}
		return AnalysisResult{Action: ActionAllow, RuleScores: map[string]float64{}}
	}

	scores := map[string]float64{}
	var warnings []string

	rules := []struct {
		name  string
		check func() (float64, []string)
	}{
		{"retry_after_block", func() (float64, []string) { return checkRetryAfterBlock(sess, currentRequest) }},
		{"escalation", func() (float64, []string) { return checkEscalation(sess, currentRequest) }},
		{"sensitive_topic_acceleration", func() (float64, []string) { return checkSensitiveTopicAcceleration(sess, currentRequest) }},
		{"instruction_override", func() (float64, []string) { return checkInstructionOverride(currentRequest) }},
		{"violation_accumulation", func() (float64, []string) { return checkViolationAccumulation(sess) }},
		{"context_building", func() (float64, []string) { return checkContextBuilding(sess, currentRequest) }},
		{"reconnaissance", func() (float64, []string) { return checkReconnaissance(sess, currentRequest) }},
		{"topic_shift", func() (float64, []string) { return checkTopicShift(sess, currentRequest) }},
	}
	for _, rule := range rules {
		if s, w := rule.check(); s > 0 {
			scores[rule.name] = s
			warnings = append(warnings, w...)
		}
	}

	total := 0.0
	for _, s := range scores {
		total += s
	}
	total += sess.CumulativeRisk

	action := ActionAllow
	if total >= a.blockThreshold {
		action = ActionBlock
	} else if total >= a.warnThreshold {
		action = ActionWarn
	}

	a.logger.Info("conversation analysis",
		"session_id", sess.SessionID,
		"turn", len(sess.Turns),
		"action", action,
		"total_score", total)

	return AnalysisResult{
		Action:     action,
		TotalScore: total,
		RuleScores: scores,
		Warnings:   warnings,
	}
}

// Rule 1: rephrased retries of previously blocked requests.
// 3.0 per similar blocked turn (LCS ratio > 0.45), capped at 5.0.
func checkRetryAfterBlock(sess *session.Session, current string) (float64, []string) {
	score := 0.0
	var warnings []string
	currentLower := strings.ToLower(current)

	for _, turn := range sess.Turns {
		if turn.ResultStatus != "blocked" {
			continue
		}
		ratio := similarityRatio(currentLower, strings.ToLower(turn.RequestText))
		if ratio > 0.45 {
			score += 3.0
			warnings = append(warnings,
				fmt.Sprintf("Request similar to previously blocked request (similarity: %.0f%%)", ratio*100))
		}
	}
	return min(score, 5.0), warnings
}

// Rule 2: capability tier escalation. Flags jumps of 2+ tiers over the
// session's prior maximum; reaching persist or exfiltrate scores 3.0 even
// without a jump.
func checkEscalation(sess *session.Session, current string) (float64, []string) {
	prevMax, prevOK := maxTierFromTurns(sess.Turns)
	currentTier, ok := classifyTier(current)
	if !ok {
		return 0, nil
	}

	score := 0.0
	var warnings []string

	if prevOK {
		jump := capabilityTiers[currentTier] - capabilityTiers[prevMax]
		if jump >= 2 {
			score = min(float64(jump), 5.0)
			warnings = append(warnings,
				fmt.Sprintf("Capability escalation: %s -> %s (+%d tiers)", prevMax, currentTier, jump))
		}
	}
	if (currentTier == "persist" || currentTier == "exfiltrate") && score == 0 {
		score = 3.0
		warnings = append(warnings, fmt.Sprintf("High-risk capability tier: %s", currentTier))
	}
	return score, warnings
}

// Rule 3: first mention of a sensitive topic after a run of benign turns.
func checkSensitiveTopicAcceleration(sess *session.Session, current string) (float64, []string) {
	currentLower := strings.ToLower(current)
	found := false
	for _, topic := range sensitiveTopics {
		if strings.Contains(currentLower, topic) {
			found = true
			break
		}
	}
	if !found {
		return 0, nil
	}

	for _, turn := range sess.Turns {
		turnLower := strings.ToLower(turn.RequestText)
		for _, topic := range sensitiveTopics {
			if strings.Contains(turnLower, topic) {
				return 0, nil // not the first mention
			}
		}
	}

	benign := 0
	for _, turn := range sess.Turns {
		if turn.ResultStatus != "blocked" {
			benign++
		}
	}
	switch {
	case benign >= 4:
		return 3.0, []string{fmt.Sprintf("Sensitive topic introduced after %d benign turns", benign)}
	case benign >= 1:
		return 2.0, []string{fmt.Sprintf("Sensitive topic introduced after %d benign turns", benign)}
	}
	return 0, nil
}

// Rule 4: instruction override attempts. 3.0 per pattern, capped at 5.0.
func checkInstructionOverride(current string) (float64, []string) {
	score := 0.0
	var warnings []string
	for _, p := range instructionOverridePatterns {
		if p.MatchString(current) {
			score += 3.0
			warnings = append(warnings, fmt.Sprintf("Instruction override attempt: '%s'", p.String()))
		}
	}
	return min(score, 5.0), warnings
}

// Rule 5: prior violations in this session. 1.5 each, capped at 5.0.
func checkViolationAccumulation(sess *session.Session) (float64, []string) {
	if sess.ViolationCount == 0 {
		return 0, nil
	}
	score := min(float64(sess.ViolationCount)*1.5, 5.0)
	return score, []string{fmt.Sprintf("Session has %d prior violation(s)", sess.ViolationCount)}
}

// Rule 6: context-reference phrases combined with sensitive content or
// escalation language. 2.0 + 2.0, capped at 4.0.
func checkContextBuilding(sess *session.Session, current string) (float64, []string) {
	hasRef := false
	for _, p := range contextReferencePhrases {
		if p.MatchString(current) {
			hasRef = true
			break
		}
	}
	if !hasRef {
		return 0, nil
	}

	currentLower := strings.ToLower(current)
	score := 0.0
	var warnings []string

	for _, topic := range sensitiveTopics {
		if strings.Contains(currentLower, topic) {
			score = 2.0
			warnings = append(warnings, "Context reference combined with sensitive topic")
			break
		}
	}
	for _, phrase := range escalationLanguage {
		if strings.Contains(currentLower, phrase) {
			score += 2.0
			warnings = append(warnings, "Context reference combined with escalation language")
			break
		}
	}
	return min(score, 4.0), warnings
}

// Rule 7: systematic directory/file exploration across turns.
func checkReconnaissance(sess *session.Session, current string) (float64, []string) {
	count := 0
	for _, turn := range sess.Turns {
		if matchesAny(reconPatterns, turn.RequestText) {
			count++
		}
	}
	if matchesAny(reconPatterns, current) {
		count++
	}

	switch {
	case count >= 3:
		return 3.5, []string{fmt.Sprintf("Systematic reconnaissance: %d exploration turns", count)}
	case count >= 2:
		return 2.0, []string{fmt.Sprintf("Reconnaissance pattern: %d exploration turns", count)}
	}
	return 0, nil
}

// Rule 8: shift from benign topics (code/text/question) to system or file
// operations. 1.5.
func checkTopicShift(sess *session.Session, current string) (float64, []string) {
	if len(sess.Turns) < 2 {
		return 0, nil
	}

	currentCat, ok := classifyTopic(current)
	if !ok || (currentCat != "system" && currentCat != "file") {
		return 0, nil
	}

	early := map[string]struct{}{}
	for i, turn := range sess.Turns {
		if i >= 3 {
			break
		}
		if cat, ok := classifyTopic(turn.RequestText); ok {
			early[cat] = struct{}{}
		}
	}
	if len(early) == 0 {
		return 0, nil
	}
	for cat := range early {
		if cat != "code" && cat != "text" && cat != "question" {
			return 0, nil
		}
	}
	return 1.5, []string{fmt.Sprintf("Topic shift to %s after benign start", currentCat)}
}

func classifyTier(text string) (string, bool) {
	textLower := strings.ToLower(text)
	best := ""
	bestValue := -1
	for tier, keywords := range tierKeywords {
		for _, kw := range keywords {
			// Word-boundary match so "running" does not count as "run".
			p := regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
			if p.MatchString(textLower) {
				if v := capabilityTiers[tier]; v > bestValue {
					best = tier
					bestValue = v
				}
			}
		}
	}
	return best, bestValue >= 0
}

func maxTierFromTurns(turns []session.ConversationTurn) (string, bool) {
	best := ""
	bestValue := -1
	for _, turn := range turns {
		if tier, ok := classifyTier(turn.RequestText); ok {
			if v := capabilityTiers[tier]; v > bestValue {
				best = tier
				bestValue = v
			}
		}
	}
	return best, bestValue >= 0
}

func classifyTopic(text string) (string, bool) {
	textLower := strings.ToLower(text)
	for _, cat := range topicPriority {
		for _, kw := range topicCategories[cat] {
			if strings.Contains(textLower, kw) {
				return cat, true
			}
		}
	}
	return "", false
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// similarityRatio is the longest-common-subsequence ratio of two strings:
// 2*LCS / (len(a)+len(b)).
func similarityRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(rb)]
	return 2.0 * float64(lcs) / float64(len(ra)+len(rb))
}
