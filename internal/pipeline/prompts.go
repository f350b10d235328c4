package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/simulation"
)

const systemAnalyst = "You are an expert treasury analyst. Provide precise, data-driven analysis."

func money(v decimal.Decimal) string { return "$" + simulation.FormatAmount(v) }

func writeMetrics(b *strings.Builder, mode model.Mode, m model.Metrics) {
	fmt.Fprintf(b, "%s MODE METRICS:\n", strings.ToUpper(string(mode)))
	fmt.Fprintf(b, "- Idle Cash: %.2f%%\n", m.IdleCashPct)
	fmt.Fprintf(b, "- Liquidity Coverage: %.1f days\n", m.LiquidityCoverageDays)
	fmt.Fprintf(b, "- Estimated Yield: %d basis points\n", m.EstYieldBps)
	fmt.Fprintf(b, "- Shortfall Risk: %.1f%%\n", m.ShortfallRiskPct)
	fmt.Fprintf(b, "- Simulated Transfer: %s from %q to %q\n", money(m.TransferDetails.Amount), m.TransferDetails.FromAccount, m.TransferDetails.ToAccount)
	fmt.Fprintf(b, "- Simulated Recommendation: %s\n\n", m.Recommendation)
}

func writeContext(b *strings.Builder, sc model.SimulationContext) {
	fmt.Fprintf(b, "ACCOUNTS (total %s):\n", money(sc.TotalCash()))
	for _, a := range sc.Accounts {
		fmt.Fprintf(b, "- %s (%s): %s\n", a.Name, a.AccountType, money(a.Balance))
	}
	in, out := decimal.Zero, decimal.Zero
	for i, f := range sc.Forecast {
		if i == 7 {
			break
		}
		in = in.Add(f.Inflow)
		out = out.Add(f.Outflow)
	}
	fmt.Fprintf(b, "\nPOLICY: minimum liquidity %s, invest above %s, risk profile %s\n",
		money(sc.Policy.MinLiquidity), money(sc.Policy.InvestAbove), sc.Policy.RiskProfile)
	fmt.Fprintf(b, "7-DAY FORECAST: inflows %s, outflows %s, net %s\n\n", money(in), money(out), money(in.Sub(out)))
}

func baselinePrompt(mode model.Mode, sc model.SimulationContext, m model.Metrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You just completed a %s treasury simulation and need to provide expert analysis.\n\n", mode)
	writeMetrics(&b, mode, m)
	writeContext(&b, sc)
	b.WriteString(`Provide a clear, actionable recommendation aligned with the strategy.

Format your response EXACTLY as:
RECOMMENDATION: [1-2 sentence recommendation]
REASONING: [your detailed reasoning]
RISK_ASSESSMENT: [LOW/MEDIUM/HIGH] - [explanation]
CONFIDENCE: [0.0-1.0]`)
	return b.String()
}

const opinionFormat = `Format your response EXACTLY as:
STANCE: [one sentence position]
TRANSFER_AMOUNT: [dollar amount to move into yield]
CONFIDENCE: [0.0-1.0]
REASONING: [your argument]`

func conservativePrompt(sc model.SimulationContext, m model.Metrics) string {
	var b strings.Builder
	b.WriteString("You are a safety-first treasury advocate. Argue for preserving liquidity and minimizing shortfall risk.\n\n")
	writeMetrics(&b, model.ModeConservative, m)
	writeContext(&b, sc)
	b.WriteString(opinionFormat)
	return b.String()
}

// aggressivePrompt quotes the safety advocate's response as written.
func aggressivePrompt(sc model.SimulationContext, m model.Metrics, opponent string) string {
	var b strings.Builder
	b.WriteString("You are a yield-focused treasury advocate. Argue for putting idle cash to work.\n\n")
	writeMetrics(&b, model.ModeAggressive, m)
	writeContext(&b, sc)
	b.WriteString("THE SAFETY ADVOCATE ARGUED:\n")
	b.WriteString(strings.TrimSpace(opponent))
	b.WriteString("\n\nRespond to their argument directly.\n\n")
	b.WriteString(opinionFormat)
	return b.String()
}

func mediatorPrompt(sc model.SimulationContext, balanced model.Metrics, cons, aggr model.Opinion) string {
	var b strings.Builder
	b.WriteString("You are the treasury committee chair. Reconcile the two positions below into one decision.\n\n")
	b.WriteString("SAFETY ADVOCATE:\n")
	writeOpinion(&b, cons)
	b.WriteString("YIELD ADVOCATE:\n")
	writeOpinion(&b, aggr)
	writeMetrics(&b, model.ModeBalanced, balanced)
	writeContext(&b, sc)
	b.WriteString(`Format your response EXACTLY as:
SYNTHESIS: [one paragraph reconciling both positions]
RECOMMENDATION: [final recommendation with concrete amounts]
FINAL_AMOUNT: [dollar amount to transfer]
CONFIDENCE: [0.0-1.0]
REASONING: [why this is the right balance]`)
	return b.String()
}

func writeOpinion(b *strings.Builder, op model.Opinion) {
	b.WriteString(renderOpinion(op))
	b.WriteString("\n\n")
}

func renderOpinion(op model.Opinion) string {
	return fmt.Sprintf("STANCE: %s\nTRANSFER_AMOUNT: %s\nCONFIDENCE: %.2f\nREASONING: %s",
		op.Stance, money(op.TransferAmount), op.Confidence, op.Reasoning)
}

func historyPrompt(stats *model.OutcomeStats) string {
	var b strings.Builder
	b.WriteString("Review the track record of past treasury recommendations and state the lessons for today's decision.\n\n")
	if stats == nil || stats.SampleCount == 0 {
		b.WriteString("HISTORY: no recorded outcomes yet.\n\n")
	} else {
		fmt.Fprintf(&b, "HISTORY (last %d recommendations):\n", stats.SampleCount)
		fmt.Fprintf(&b, "- Execution rate: %.0f%%\n", stats.ExecutionRate*100)
		if stats.AvgConfidenceExecuted != nil {
			fmt.Fprintf(&b, "- Mean confidence when executed: %.2f\n", *stats.AvgConfidenceExecuted)
		}
		if stats.AvgConfidenceNotExecuted != nil {
			fmt.Fprintf(&b, "- Mean confidence when not executed: %.2f\n", *stats.AvgConfidenceNotExecuted)
		}
		if stats.MeanYieldErrorBps != nil {
			fmt.Fprintf(&b, "- Mean yield prediction error: %.1f bps over %d follow-ups\n", *stats.MeanYieldErrorBps, stats.FollowUpCount)
		}
		b.WriteString("\n")
	}
	b.WriteString("Format your response as:\nLESSONS: [2-4 sentences]")
	return b.String()
}

func selectorPrompt(sc model.SimulationContext, results map[model.Mode]model.Metrics, snap model.MarketSnapshot, lessons string) string {
	var b strings.Builder
	b.WriteString("Choose the best simulation mode for today given the metrics, market conditions, and historical lessons.\n\n")
	for _, mode := range sortedModes(results) {
		writeMetrics(&b, mode, results[mode])
	}
	writeMarket(&b, snap)
	writeContext(&b, sc)
	fmt.Fprintf(&b, "HISTORICAL LESSONS: %s\n\n", lessons)
	fmt.Fprintf(&b, "Format your response EXACTLY as:\nCHOSEN_MODE: [one of %s]\nCONFIDENCE: [0.0-1.0]\nREASONING: [why]", joinModes(sortedModes(results)))
	return b.String()
}

func finalPrompt(sc model.SimulationContext, mode model.Mode, m model.Metrics, snap model.MarketSnapshot, lessons, selectorReasoning string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the final treasury recommendation using the %s strategy.\n\n", mode)
	writeMetrics(&b, mode, m)
	writeMarket(&b, snap)
	writeContext(&b, sc)
	fmt.Fprintf(&b, "HISTORICAL LESSONS: %s\n", lessons)
	fmt.Fprintf(&b, "WHY THIS MODE: %s\n\n", selectorReasoning)
	b.WriteString(`Format your response EXACTLY as:
RECOMMENDATION: [specific action with amounts and accounts]
REASONING: [your detailed reasoning]
CONFIDENCE: [0.0-1.0]`)
	return b.String()
}

func writeMarket(b *strings.Builder, s model.MarketSnapshot) {
	fmt.Fprintf(b, "MARKET (%s): fed funds %.2f%%, 3M treasury %.2f%%, money market %.2f%%\n\n",
		s.Source, s.FedFundsRate, s.Treasury3MYield, s.MoneyMarketYield)
}

// sortedModes lists the keys of results in KnownModes order, then any
// others alphabetically.
func sortedModes(results map[model.Mode]model.Metrics) []model.Mode {
	var out []model.Mode
	seen := make(map[model.Mode]bool)
	for _, m := range model.KnownModes {
		if _, ok := results[m]; ok {
			out = append(out, m)
			seen[m] = true
		}
	}
	var rest []model.Mode
	for m := range results {
		if !seen[m] {
			rest = append(rest, m)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}

func joinModes(modes []model.Mode) string {
	s := make([]string, len(modes))
	for i, m := range modes {
		s[i] = string(m)
	}
	return strings.Join(s, ", ")
}
