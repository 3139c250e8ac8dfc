package aiclient

import (
	"encoding/json"
	"fmt"

	"github.com/sifthq/aisorter/internal/redact"
	"github.com/sifthq/aisorter/internal/types"
)

// systemPrompt is the pinned instruction sent with every classification
// request. The exact wording is a tunable; the contract is only that the
// model answers with a bare JSON array matching the input length.
const systemPrompt = `You are a telemetry triage assistant. You receive a JSON array of telemetry items. Classify each item by operational severity and reply with ONLY a JSON array of the same length and order, where element i describes item i as {"category": "critical"|"warning"|"info", "forward_to": "alerting"|"storage"|"archive"}. Use critical/alerting for incidents needing immediate attention, warning/storage for degradations worth keeping, info/archive for routine records. No prose, no markdown, only the JSON array.`

// buildUserPrompt JSON-encodes the items and redacts the result so PII
// never leaves the pod. The caller's items are not modified; redaction
// applies only to the prompt copy.
func buildUserPrompt(items []types.Item) (string, error) {
	payload := make([]map[string]interface{}, len(items))
	for i, item := range items {
		payload[i] = map[string]interface{}{
			"type":    item.Type,
			"content": item.Content,
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding items for prompt: %w", err)
	}
	return redact.String(string(data)), nil
}
