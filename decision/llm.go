package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"agentarena/mcp"
)

// ChatCaller is the subset of mcp.Client the LLM collaborator needs.
type ChatCaller interface {
	CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

var _ ChatCaller = (*mcp.Client)(nil)

// LLMCollaborator asks a chat model for a decision and extracts the JSON
// object from the free-form reply.
type LLMCollaborator struct {
	chat ChatCaller
}

// NewLLMCollaborator wraps a chat client.
func NewLLMCollaborator(chat ChatCaller) *LLMCollaborator {
	return &LLMCollaborator{chat: chat}
}

// Propose implements Collaborator.
func (c *LLMCollaborator) Propose(ctx context.Context, req Request) ([]byte, error) {
	reply, err := c.chat.CallWithMessages(ctx, SystemPrompt(req), UserPrompt(req))
	if err != nil {
		return nil, err
	}
	raw, err := ExtractJSON(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecisionInvalid, err)
	}
	return raw, nil
}

// SystemPrompt describes the reply schema and hard constraints.
func SystemPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString("You are an autonomous cryptocurrency futures trading agent competing against other agents.\n")
	if req.Strategy != "" {
		sb.WriteString(fmt.Sprintf("Your strategy: %s\n", req.Strategy))
	}
	sb.WriteString("\n# Hard constraints\n\n")
	sb.WriteString("1. At most one open position per symbol. Close before reversing direction.\n")
	sb.WriteString(fmt.Sprintf("2. Total open notional must stay at or below %.0f%% of balance.\n", req.ExposureCeiling*100))
	if len(req.LeverageOptions) > 0 {
		opts := make([]string, len(req.LeverageOptions))
		for i, l := range req.LeverageOptions {
			opts[i] = fmt.Sprintf("%dx", l)
		}
		sb.WriteString(fmt.Sprintf("3. Leverage must be one of: %s.\n", strings.Join(opts, ", ")))
	}
	sb.WriteString("4. Long: stop_loss < price < take_profit. Short: take_profit < price < stop_loss.\n")
	sb.WriteString("\n# Reply format\n\n")
	sb.WriteString("Reply with exactly one JSON object and nothing else:\n")
	sb.WriteString("```json\n")
	sb.WriteString(`{"action":"open|close|hold|wait","symbol":"BTCUSDT","direction":"long|short",` +
		`"notional_usd":100,"leverage":10,"stop_loss":0,"take_profit":0,"confidence":0.7,"rationale":"..."}`)
	sb.WriteString("\n```\n")
	sb.WriteString("Use percent_of_balance instead of notional_usd if you prefer relative sizing. ")
	sb.WriteString("Omit stop_loss and take_profit to use the house defaults.\n")
	return sb.String()
}

// UserPrompt renders the per-turn market and account state.
func UserPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Time: %s\n", req.Time.UTC().Format("2006-01-02 15:04:05 UTC")))
	sb.WriteString(fmt.Sprintf("Agent: %s (%s)\n", req.AgentName, req.AgentID))
	sb.WriteString(fmt.Sprintf("Balance: %.2f USDT (initial %.2f)\n", req.Balance, req.InitialBalance))
	sb.WriteString(fmt.Sprintf("Exposure: %.2f USDT of %.2f allowed\n\n", req.Exposure, req.Balance*req.ExposureCeiling))

	sb.WriteString("## Prices\n")
	symbols := make([]string, 0, len(req.Prices))
	for s := range req.Prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		sb.WriteString(fmt.Sprintf("- %s: %.6g\n", s, req.Prices[s]))
	}

	sb.WriteString("\n## Open positions\n")
	if len(req.Positions) == 0 {
		sb.WriteString("None\n")
	}
	for _, p := range req.Positions {
		sb.WriteString(fmt.Sprintf("- %s %s %dx entry %.6g now %.6g | notional %.2f | pnl %+.2f%% (%+.2f) | SL %.6g (%.2f%% away) TP %.6g (%.2f%% away) | held %dm\n",
			p.Symbol, strings.ToUpper(string(p.Direction)), p.Leverage, p.EntryPrice, p.CurrentPrice,
			p.Notional, p.UnrealizedPnLPct, p.UnrealizedPnL,
			p.StopLoss, p.DistanceToStopPct, p.TakeProfit, p.DistanceToTargetPct, p.HeldMinutes))
	}

	if req.Context != "" {
		sb.WriteString("\n## Notes\n")
		sb.WriteString(req.Context)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ExtractJSON pulls the first JSON object or array out of a model reply.
// Fenced code blocks are preferred; smart quotes and trailing commas are repaired.
func ExtractJSON(reply string) ([]byte, error) {
	text := fixQuotes(reply)

	candidates := make([]string, 0, 2)
	if block, ok := fencedBlock(text); ok {
		candidates = append(candidates, block)
	}
	candidates = append(candidates, text)

	for _, c := range candidates {
		start := strings.IndexAny(c, "{[")
		for start != -1 {
			end := findMatchingBracket(c, start)
			if end == -1 {
				break
			}
			body := fixTrailingCommas(c[start : end+1])
			if json.Valid([]byte(body)) {
				return []byte(body), nil
			}
			next := strings.IndexAny(c[start+1:], "{[")
			if next == -1 {
				break
			}
			start += next + 1
		}
	}
	return nil, errors.New("no JSON object found in reply: " + truncateString(reply, 200))
}

func fencedBlock(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open == -1 {
		return "", false
	}
	rest := s[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 && !strings.ContainsAny(rest[:nl], "{[") {
		rest = rest[nl+1:]
	}
	closing := strings.Index(rest, "```")
	if closing == -1 {
		return "", false
	}
	return rest[:closing], true
}

// findMatchingBracket returns the index closing the bracket at start,
// ignoring brackets inside string literals.
func findMatchingBracket(s string, start int) int {
	if start >= len(s) || (s[start] != '[' && s[start] != '{') {
		return -1
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func fixQuotes(s string) string {
	return strings.NewReplacer("“", "\"", "”", "\"", "‘", "'", "’", "'").Replace(s)
}

func fixTrailingCommas(s string) string {
	for {
		before := s
		s = strings.NewReplacer(",}", "}", ", }", " }", ",]", "]", ", ]", " ]", ",\n}", "\n}", ",\n]", "\n]").Replace(s)
		if s == before {
			return s
		}
	}
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
