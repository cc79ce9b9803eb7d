package dataset

import (
	"encoding/json"
	"errors"
	"strings"
)

var errShape = errors.New("row has no messages, prompt, instruction or text")

type rawMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ShareGPT style.
	From  string `json:"from"`
	Value string `json:"value"`
}

type rawRow struct {
	ID            json.RawMessage `json:"id"`
	Messages      []rawMessage    `json:"messages"`
	Conversations []rawMessage    `json:"conversations"`
	System        string          `json:"system"`
	Prompt        string          `json:"prompt"`
	Completion    string          `json:"completion"`
	Response      string          `json:"response"`
	Output        string          `json:"output"`
	Answer        string          `json:"answer"`
	Instruction   string          `json:"instruction"`
	Input         string          `json:"input"`
	Text          string          `json:"text"`
	Expected      string          `json:"expected"`
	GroundTruth   string          `json:"ground_truth"`
}

func (r rawRow) normalize() (Row, error) {
	row := Row{ID: rawID(r.ID), Expected: firstNonEmpty(r.Expected, r.GroundTruth)}

	msgs := r.Messages
	if len(msgs) == 0 {
		msgs = r.Conversations
	}
	if len(msgs) > 0 {
		if r.System != "" {
			row.Messages = append(row.Messages, Message{Role: RoleSystem, Content: r.System})
		}
		for _, m := range msgs {
			row.Messages = append(row.Messages, m.normalize())
		}
		return row, nil
	}

	prompt := r.Prompt
	if prompt == "" && r.Instruction != "" {
		prompt = r.Instruction
		if strings.TrimSpace(r.Input) != "" {
			prompt += "\n\n" + r.Input
		}
	}
	if prompt == "" && r.Input != "" {
		prompt = r.Input
	}
	if prompt != "" {
		if r.System != "" {
			row.Messages = append(row.Messages, Message{Role: RoleSystem, Content: r.System})
		}
		row.Messages = append(row.Messages, Message{Role: RoleUser, Content: prompt})
		if answer := firstNonEmpty(r.Completion, r.Response, r.Output, r.Answer); answer != "" {
			row.Messages = append(row.Messages, Message{Role: RoleAssistant, Content: answer})
		}
		return row, nil
	}

	if r.Text != "" {
		row.Text = r.Text
		return row, nil
	}
	return Row{}, errShape
}

func (m rawMessage) normalize() Message {
	role := strings.ToLower(firstNonEmpty(m.Role, m.From))
	switch role {
	case "human":
		role = RoleUser
	case "gpt", "bot", "model":
		role = RoleAssistant
	}
	return Message{Role: role, Content: firstNonEmpty(m.Content, m.Value)}
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
