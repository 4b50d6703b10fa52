package approval

import (
	"strings"
)

// RiskLevel is the heuristic risk of an action's text.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

var (
	highRiskWords = []string{
		"payment", "pay now", "paynow", "checkout", "check out", "purchase", "buy now", "buynow",
		"place order", "placeorder", "submit", "transfer funds", "wire transfer", "confirm order", "confirmorder",
		"결제", "구매", "주문", "송금", "이체", "제출",
	}
	mediumRiskWords = []string{
		"login", "log in", "signin", "sign in", "password", "passwd", "delete",
		"remove account", "removeaccount", "unsubscribe",
		"로그인", "삭제", "비밀번호", "탈퇴",
	}

	// Identifier separators read as spaces: checkout_button, sign-in.
	separators = strings.NewReplacer("_", " ", "-", " ", ".", " ")

	formFillIntents = map[string]bool{"form_fill": true, "fill_form": true, "form": true}
)

// AssessRisk classifies text and intent by keyword containment, so
// keywords inside identifiers and JSON payloads count. High-risk keywords
// win over medium ones; a form-fill intent is at least medium. Pure
// function.
func AssessRisk(text, intent string) RiskLevel {
	lower := separators.Replace(strings.ToLower(text))
	if containsAny(lower, highRiskWords) {
		return RiskHigh
	}
	if containsAny(lower, mediumRiskWords) {
		return RiskMedium
	}
	if formFillIntents[normalizeIntent(intent)] {
		return RiskMedium
	}
	return RiskLow
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
