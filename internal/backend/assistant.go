package backend

import (
	"fmt"
	"os"
	"strings"

	"helpdesk/internal/domain"

	"gopkg.in/yaml.v3"
)

// Rule answers with Reply when the user's last message contains any keyword.
type Rule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Reply    string   `yaml:"reply"`
}

// Assistant is a keyword-rule responder. Rules are tried in order; the first
// match wins.
type Assistant struct {
	Default string `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultAssistant is used when no rules file is configured.
func DefaultAssistant() *Assistant {
	return &Assistant{
		Default: "Thanks for reaching out! I can help with orders, refunds and accounts. " +
			"Type /handoff any time to talk to a person.",
		Rules: []Rule{
			{Name: "refund", Keywords: []string{"refund", "money back"}, Reply: "Refunds are available within 14 days of purchase. A human agent can start one for you: type /handoff."},
			{Name: "human", Keywords: []string{"human", "agent", "person"}, Reply: "Sure, type /handoff and leave your email. An agent will join this conversation."},
			{Name: "greeting", Keywords: []string{"hello", "hi", "hey"}, Reply: "Hello! How can I help you today?"},
		},
	}
}

// LoadAssistant reads rules from a YAML file.
func LoadAssistant(path string) (*Assistant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assistant rules %s: %w", path, err)
	}
	a := &Assistant{}
	if err := yaml.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("parse assistant rules %s: %w", path, err)
	}
	for i, r := range a.Rules {
		if len(r.Keywords) == 0 || strings.TrimSpace(r.Reply) == "" {
			return nil, fmt.Errorf("assistant rule %d (%s): keywords and reply are required", i, r.Name)
		}
	}
	if a.Default == "" {
		a.Default = DefaultAssistant().Default
	}
	return a, nil
}

// Reply picks the answer for the latest user turn.
func (a *Assistant) Reply(turns []domain.ChatTurn) string {
	var last string
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "user" {
			last = turns[i].Content
			break
		}
	}
	words := strings.FieldsFunc(strings.ToLower(last), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	text := " " + strings.Join(words, " ") + " "

	for _, r := range a.Rules {
		for _, kw := range r.Keywords {
			if strings.Contains(text, " "+strings.ToLower(strings.TrimSpace(kw))+" ") {
				return r.Reply
			}
		}
	}
	return a.Default
}

// Chunks splits a reply into word-sized stream fragments that concatenate
// back to the original text.
func Chunks(reply string) []string {
	return strings.SplitAfter(reply, " ")
}
