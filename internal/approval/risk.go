package approval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/overseer/pkg/models"
)

// bulkRecipientThreshold is the recipient count at which a send becomes
// critical rather than high risk.
const bulkRecipientThreshold = 10

var deletionPrefixes = []string{"delete", "remove", "drop", "purge", "destroy", "wipe"}

var exportKeywords = []string{"export", "dump", "download_all"}

var financialKeywords = []string{"payment", "transfer", "refund", "charge"}

// AssessRisk computes a rule-based risk level for a proposed tool call.
// Deletion-pattern tool names and data exports are high, financial actions
// and bulk-recipient sends are critical, everything else defaults low.
func AssessRisk(toolName string, input json.RawMessage) (models.RiskLevel, string) {
	name := strings.ToLower(toolName)

	for _, kw := range financialKeywords {
		if strings.Contains(name, kw) {
			return models.RiskCritical, "financial action"
		}
	}

	if n := recipientCount(input); n > bulkRecipientThreshold {
		return models.RiskCritical, fmt.Sprintf("bulk send to %d recipients", n)
	}

	for _, prefix := range deletionPrefixes {
		if strings.HasPrefix(name, prefix+"_") || name == prefix {
			return models.RiskHigh, "deletion action"
		}
	}

	for _, kw := range exportKeywords {
		if strings.Contains(name, kw) {
			return models.RiskHigh, "data export"
		}
	}

	if strings.Contains(name, "send") || strings.Contains(name, "publish") {
		return models.RiskMedium, "outbound communication"
	}

	return models.RiskLow, "no risk rule matched"
}

// recipientCount extracts a recipient list size from the input, if any.
func recipientCount(input json.RawMessage) int {
	if len(input) == 0 {
		return 0
	}
	var payload struct {
		Recipients []json.RawMessage `json:"recipients"`
		To         []json.RawMessage `json:"to"`
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return 0
	}
	if len(payload.Recipients) > len(payload.To) {
		return len(payload.Recipients)
	}
	return len(payload.To)
}

// matchesConstraints reports whether any of the agent's free-text
// constraints mention the tool by name. A match forces human review.
func matchesConstraints(constraints []string, toolName string) (bool, string) {
	name := strings.ToLower(toolName)
	for _, constraint := range constraints {
		if constraint == "" {
			continue
		}
		if strings.Contains(strings.ToLower(constraint), name) {
			return true, constraint
		}
	}
	return false, ""
}
