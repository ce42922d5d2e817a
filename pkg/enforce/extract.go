package enforce

import (
	"regexp"
	"strconv"
	"strings"
)

// Response-text extraction patterns for the deterministic lane. The first
// monetary amount and percentage found bind the generic variables; every
// occurrence also feeds the list variables.
var (
	moneyPattern   = regexp.MustCompile(`(?:[$€£]\s*|(?:USD|EUR|GBP|R\$)\s+)(\d+(?:[.,]\d{1,2})?)|(\d+(?:[.,]\d{1,2})?)\s*(?:dollars|euros|reais)`)
	percentPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(?:%|percent|por\s*cento)`)

	refundWords  = []string{"refund", "reembolso", "money back", "reimburse"}
	promiseWords = []string{"i promise", "we promise", "guarantee", "guaranteed", "prometo", "garantido"}
)

// ExtractVariables derives enforcement variables from a candidate
// response. Numbers are float64; flags are booleans. Extracted names:
// amount, amounts, discount_percent, percentages, contains_refund,
// contains_promise.
func ExtractVariables(response string) map[string]any {
	vars := map[string]any{}
	lower := strings.ToLower(response)

	var amounts []any
	for _, m := range moneyPattern.FindAllStringSubmatch(response, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if f, err := parseNumber(raw); err == nil {
			amounts = append(amounts, f)
		}
	}
	if len(amounts) > 0 {
		vars["amount"] = amounts[0]
		vars["amounts"] = amounts
	}

	var percents []any
	for _, m := range percentPattern.FindAllStringSubmatch(response, -1) {
		if f, err := parseNumber(m[1]); err == nil {
			percents = append(percents, f)
		}
	}
	if len(percents) > 0 {
		vars["discount_percent"] = percents[0]
		vars["percentages"] = percents
	}

	vars["contains_refund"] = containsAny(lower, refundWords)
	vars["contains_promise"] = containsAny(lower, promiseWords)
	return vars
}

func parseNumber(raw string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// MergeVariables layers the three variable sources with response > session
// > profile precedence.
func MergeVariables(response, session, profile map[string]any) map[string]any {
	merged := map[string]any{}
	for k, v := range profile {
		merged[k] = v
	}
	for k, v := range session {
		merged[k] = v
	}
	for k, v := range response {
		merged[k] = v
	}
	return merged
}
