package generator

import (
	"fmt"
	"strings"

	"pulsar-assistant/internal/domain"
)

func buildPromptMessages(profile domain.UserData, history []domain.Message, input string, maxContext int) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildPersonaPrompt()},
	}
	if p := buildProfilePrompt(profile); p != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: p})
	}

	messages = append(messages, recentTurns(history, maxContext)...)

	messages = append(messages, domain.ChatMessage{
		Role:    "user",
		Content: input,
	})
	return messages
}

func buildPersonaPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are an experienced business consultant advising a small company owner.",
		"",
		"Behavior Rules:",
		behaviorRules(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer the current user message using the company profile and prior conversation.",
		"2) Give practical, specific recommendations on pricing, offers and sales.",
		"3) Keep responses professional and concise.",
		"4) If the information needed is missing, ask one short clarifying question.",
	}, "\n")
}

func buildProfilePrompt(p domain.UserData) string {
	var lines []string
	add := func(label, value string) {
		if v := normalizePromptInput(value); v != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", label, v))
		}
	}
	add("Company", p.CompanyName)
	add("Business", p.CompanyBrief)
	add("Looking for", p.Request.Label())
	add("Uploaded data", p.DatasetName)

	var blocks []string
	if len(lines) > 0 {
		blocks = append(blocks, "Company Profile:\n\n"+strings.Join(lines, "\n"))
	}
	if d := strings.TrimSpace(p.DatasetDigest); d != "" {
		blocks = append(blocks, "Uploaded Data Excerpt:\n\n"+d)
	}
	return strings.Join(blocks, "\n\n")
}

// recentTurns keeps the last limit text messages of history.
func recentTurns(history []domain.Message, limit int) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Kind != "" && m.Kind != domain.KindText {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := "user"
		if m.Role == domain.RoleBot {
			role = "assistant"
		}
		out = append(out, domain.ChatMessage{Role: role, Content: content})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
