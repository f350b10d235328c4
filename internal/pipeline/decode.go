package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kinko/internal/model"
)

// ErrParse marks generator output that could not be decoded. Every call site
// handles it with a stage-specific fallback.
var ErrParse = errors.New("pipeline: unparseable generator output")

// Labels recognised in generator output. Each starts a section that runs
// until the next label.
const (
	labelRecommendation = "RECOMMENDATION"
	labelReasoning      = "REASONING"
	labelRisk           = "RISK_ASSESSMENT"
	labelConfidence     = "CONFIDENCE"
	labelStance         = "STANCE"
	labelTransferAmount = "TRANSFER_AMOUNT"
	labelSynthesis      = "SYNTHESIS"
	labelFinalAmount    = "FINAL_AMOUNT"
	labelChosenMode     = "CHOSEN_MODE"
	labelLessons        = "LESSONS"
)

var knownLabels = []string{
	labelRecommendation, labelReasoning, labelRisk, labelConfidence, labelStance,
	labelTransferAmount, labelSynthesis, labelFinalAmount, labelChosenMode, labelLessons,
}

var (
	confidenceRe = regexp.MustCompile(`(-?\d[\d,]*(?:\.\d+)?)\s*(%)?`)
	amountRe     = regexp.MustCompile(`(?i)(-?\d[\d,]*(?:\.\d+)?)\s*(thousand|million|billion|mm|k|m|b)?\b`)
	markdownRe   = regexp.MustCompile(`^[*#_\s-]+`)
)

var magnitudes = map[string]decimal.Decimal{
	"k":        decimal.NewFromInt(1_000),
	"thousand": decimal.NewFromInt(1_000),
	"m":        decimal.NewFromInt(1_000_000),
	"mm":       decimal.NewFromInt(1_000_000),
	"million":  decimal.NewFromInt(1_000_000),
	"b":        decimal.NewFromInt(1_000_000_000),
	"billion":  decimal.NewFromInt(1_000_000_000),
}

// sections splits text into labelled sections. Labels may be wrapped in
// markdown emphasis ("**CONFIDENCE:** 0.8"). Unlabelled leading text is dropped.
func sections(text string) map[string]string {
	out := make(map[string]string)
	var (
		current string
		buf     []string
	)
	flush := func() {
		if current != "" {
			out[current] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := markdownRe.ReplaceAllString(line, "")
		if label, rest, ok := matchLabel(trimmed); ok {
			flush()
			current, buf = label, []string{rest}
			continue
		}
		if current != "" {
			buf = append(buf, line)
		}
	}
	flush()
	return out
}

func matchLabel(line string) (label, rest string, ok bool) {
	for _, l := range knownLabels {
		if !strings.HasPrefix(strings.ToUpper(line), l) {
			continue
		}
		after := strings.TrimLeft(line[len(l):], "*_ ")
		if !strings.HasPrefix(after, ":") {
			continue
		}
		return l, strings.TrimSpace(strings.TrimLeft(after[1:], "*_ ")), true
	}
	return "", "", false
}

// parseConfidence reads the first number in s. A trailing "%" scales it
// into [0, 1]; the result is clamped either way.
func parseConfidence(s string) (float64, error) {
	m := confidenceRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: no confidence value in %q", ErrParse, s)
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: confidence %q: %v", ErrParse, m[1], err)
	}
	if m[2] == "%" {
		v /= 100
	}
	return clamp01(v), nil
}

// parseAmount reads the first number in s, accepting "$", thousands
// separators and a magnitude suffix ("600k", "$1.1M", "2 million"). The
// result is rounded to cents. Negative amounts are rejected.
func parseAmount(s string) (decimal.Decimal, error) {
	m := amountRe.FindStringSubmatch(strings.ReplaceAll(s, "$", ""))
	if m == nil {
		return decimal.Zero, fmt.Errorf("%w: no amount in %q", ErrParse, s)
	}
	v, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q: %v", ErrParse, m[1], err)
	}
	if mult, ok := magnitudes[strings.ToLower(m[2])]; ok {
		v = v.Mul(mult)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative amount %q", ErrParse, m[0])
	}
	return model.Cents(v), nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// analysis is the single-stage decode result.
type analysis struct {
	Recommendation string
	Reasoning      string
	RiskAssessment string
	Confidence     float64
}

const (
	defaultReasoning  = "Analysis completed based on calculated metrics."
	defaultConfidence = 0.75
)

// decodeAnalysis requires a recommendation. Missing reasoning or confidence
// take defaults.
func decodeAnalysis(text string) (analysis, error) {
	s := sections(text)
	a := analysis{
		Recommendation: s[labelRecommendation],
		Reasoning:      s[labelReasoning],
		RiskAssessment: s[labelRisk],
		Confidence:     defaultConfidence,
	}
	if a.Recommendation == "" {
		return analysis{}, fmt.Errorf("%w: missing %s", ErrParse, labelRecommendation)
	}
	if a.Reasoning == "" {
		a.Reasoning = defaultReasoning
	}
	if raw, ok := s[labelConfidence]; ok {
		c, err := parseConfidence(raw)
		if err != nil {
			return analysis{}, err
		}
		a.Confidence = c
	}
	return a, nil
}

// decodeOpinion requires a stance and a transfer amount.
func decodeOpinion(agent, text string) (model.Opinion, error) {
	s := sections(text)
	op := model.Opinion{Agent: agent, Stance: s[labelStance], Reasoning: s[labelReasoning], Confidence: defaultConfidence}
	if op.Stance == "" {
		return model.Opinion{}, fmt.Errorf("%w: missing %s", ErrParse, labelStance)
	}
	raw, ok := s[labelTransferAmount]
	if !ok {
		return model.Opinion{}, fmt.Errorf("%w: missing %s", ErrParse, labelTransferAmount)
	}
	amount, err := parseAmount(raw)
	if err != nil {
		return model.Opinion{}, err
	}
	op.TransferAmount = amount
	if raw, ok := s[labelConfidence]; ok {
		c, err := parseConfidence(raw)
		if err != nil {
			return model.Opinion{}, err
		}
		op.Confidence = c
	}
	return op, nil
}

// mediation is the debate mediator's decode result.
type mediation struct {
	Synthesis      string
	Recommendation string
	Reasoning      string
	FinalAmount    decimal.Decimal
	Confidence     float64
}

// decodeMediation requires every field.
func decodeMediation(text string) (mediation, error) {
	s := sections(text)
	m := mediation{
		Synthesis:      s[labelSynthesis],
		Recommendation: s[labelRecommendation],
		Reasoning:      s[labelReasoning],
	}
	if m.Synthesis == "" || m.Recommendation == "" {
		return mediation{}, fmt.Errorf("%w: missing %s or %s", ErrParse, labelSynthesis, labelRecommendation)
	}
	if m.Reasoning == "" {
		m.Reasoning = m.Synthesis
	}
	amount, err := parseAmount(s[labelFinalAmount])
	if err != nil {
		return mediation{}, err
	}
	m.FinalAmount = amount
	c, err := parseConfidence(s[labelConfidence])
	if err != nil {
		return mediation{}, err
	}
	m.Confidence = c
	return m, nil
}

// selection is the workflow strategy selector's decode result.
type selection struct {
	Mode       model.Mode
	Reasoning  string
	Confidence float64
}

// decodeSelection requires a mode present in available.
func decodeSelection(text string, available map[model.Mode]model.Metrics) (selection, error) {
	s := sections(text)
	raw := strings.ToLower(strings.Trim(s[labelChosenMode], " .*`\"'"))
	if fields := strings.Fields(raw); len(fields) > 0 {
		raw = fields[0]
	}
	mode := model.Mode(raw)
	if _, ok := available[mode]; !ok {
		return selection{}, fmt.Errorf("%w: chosen mode %q has no metrics", ErrParse, raw)
	}
	sel := selection{Mode: mode, Reasoning: s[labelReasoning], Confidence: defaultConfidence}
	if raw, ok := s[labelConfidence]; ok {
		c, err := parseConfidence(raw)
		if err != nil {
			return selection{}, err
		}
		sel.Confidence = c
	}
	return sel, nil
}

// decodeLessons returns the LESSONS section, or the whole text when the
// generator answered in plain prose.
func decodeLessons(text string) (string, error) {
	if l := sections(text)[labelLessons]; l != "" {
		return l, nil
	}
	if t := strings.TrimSpace(text); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("%w: empty lessons", ErrParse)
}
