package masking

import (
	"fmt"
	"slices"
	"strings"

	"github.com/josephgoksu/tunewatch/internal/dataset"
)

// Family is a chat-template family. It is a closed set: anything that is not
// recognized is FamilyUnknown, which has no response marker and therefore
// masks every label.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyChatML
	FamilyLlama3
	FamilyMistral
	FamilyAlpaca
	FamilyGemma
	FamilyPhi3
	// FamilyCustom uses a configured response marker with <role> turn tags.
	FamilyCustom
)

var familyNames = map[Family]string{
	FamilyUnknown: "unknown",
	FamilyChatML:  "chatml",
	FamilyLlama3:  "llama3",
	FamilyMistral: "mistral",
	FamilyAlpaca:  "alpaca",
	FamilyGemma:   "gemma",
	FamilyPhi3:    "phi3",
	FamilyCustom:  "custom",
}

func (f Family) String() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// ParseFamily maps a configured family name to a Family. Aliases of the
// common model lines are accepted.
func ParseFamily(name string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "chatml", "qwen":
		return FamilyChatML, nil
	case "llama3", "llama-3":
		return FamilyLlama3, nil
	case "mistral", "llama2", "llama-2":
		return FamilyMistral, nil
	case "alpaca":
		return FamilyAlpaca, nil
	case "gemma":
		return FamilyGemma, nil
	case "phi3", "phi-3":
		return FamilyPhi3, nil
	case "custom":
		return FamilyCustom, nil
	case "unknown":
		return FamilyUnknown, nil
	}
	return FamilyUnknown, fmt.Errorf("unknown chat template family %q", name)
}

// templateFragments are matched against a tokenizer's chat template source.
// Order matters: more specific fragments come first.
var templateFragments = []struct {
	fragment string
	family   Family
}{
	{"<|start_header_id|>", FamilyLlama3},
	{"<|im_start|>", FamilyChatML},
	{"<start_of_turn>", FamilyGemma},
	{"<|assistant|>", FamilyPhi3},
	{"[/INST]", FamilyMistral},
	{"### Response:", FamilyAlpaca},
}

var modelFragments = []struct {
	fragment string
	family   Family
}{
	{"llama-3", FamilyLlama3},
	{"llama3", FamilyLlama3},
	{"qwen", FamilyChatML},
	{"chatml", FamilyChatML},
	{"gemma", FamilyGemma},
	{"phi-3", FamilyPhi3},
	{"phi3", FamilyPhi3},
	{"mistral", FamilyMistral},
	{"mixtral", FamilyMistral},
	{"llama-2", FamilyMistral},
	{"alpaca", FamilyAlpaca},
}

// DetectFamily identifies the family from the tokenizer chat template source,
// then from the model id. It returns FamilyUnknown when nothing matches.
func DetectFamily(modelID, chatTemplate string) Family {
	for _, f := range templateFragments {
		if strings.Contains(chatTemplate, f.fragment) {
			return f.family
		}
	}
	id := strings.ToLower(modelID)
	for _, f := range modelFragments {
		if strings.Contains(id, f.fragment) {
			return f.family
		}
	}
	return FamilyUnknown
}

// Template describes how a family renders conversations.
type Template struct {
	Family Family
	// ResponseMarker starts the model's turn. Empty means no marker exists
	// and every example is fully masked.
	ResponseMarker string
	// TurnEnd closes a turn for FamilyCustom.
	TurnEnd string
}

// DefaultCustomTurnEnd closes turns of custom templates.
const DefaultCustomTurnEnd = "<end>"

// NewTemplate returns the template of a family. marker overrides the
// family's response marker and is required for FamilyCustom.
func NewTemplate(f Family, marker string) (Template, error) {
	t := Template{Family: f, ResponseMarker: defaultMarker(f)}
	if marker != "" {
		t.ResponseMarker = marker
	}
	if f == FamilyCustom {
		if marker == "" {
			return Template{}, fmt.Errorf("custom template family requires a response marker")
		}
		t.TurnEnd = DefaultCustomTurnEnd
	}
	return t, nil
}

func defaultMarker(f Family) string {
	switch f {
	case FamilyChatML:
		return "<|im_start|>assistant\n"
	case FamilyLlama3:
		return "<|start_header_id|>assistant<|end_header_id|>\n\n"
	case FamilyMistral:
		return "[/INST]"
	case FamilyAlpaca:
		return "### Response:\n"
	case FamilyGemma:
		return "<start_of_turn>model\n"
	case FamilyPhi3:
		return "<|assistant|>\n"
	}
	return ""
}

// Specials are the control strings of the template that a tokenizer must
// keep atomic. The response marker is one of them, so it encodes to the same
// ids whatever text follows it.
func (t Template) Specials() []string {
	var out []string
	switch t.Family {
	case FamilyChatML:
		out = []string{"<|im_start|>", "<|im_end|>"}
	case FamilyLlama3:
		out = []string{"<|begin_of_text|>", "<|start_header_id|>", "<|end_header_id|>", "<|eot_id|>"}
	case FamilyMistral:
		out = []string{"<s>", "</s>", "[INST]", "[/INST]"}
	case FamilyGemma:
		out = []string{"<bos>", "<start_of_turn>", "<end_of_turn>"}
	case FamilyPhi3:
		out = []string{"<|system|>", "<|user|>", "<|assistant|>", "<|end|>"}
	case FamilyCustom:
		return []string{t.ResponseMarker, t.TurnEnd}
	}
	if t.ResponseMarker != "" && !slices.Contains(out, t.ResponseMarker) {
		out = append(out, t.ResponseMarker)
	}
	return out
}

// Format renders a full conversation as one string.
func (t Template) Format(msgs []dataset.Message) string {
	var b strings.Builder
	t.render(&b, msgs)
	return b.String()
}

// FormatPrompt renders msgs followed by the opening of the model's turn, the
// form used for generation.
func (t Template) FormatPrompt(msgs []dataset.Message) string {
	var b strings.Builder
	t.render(&b, msgs)
	switch t.Family {
	case FamilyMistral:
		// [/INST] already closes the last user turn.
	case FamilyUnknown:
		b.WriteString("assistant: ")
	default:
		b.WriteString(t.ResponseMarker)
	}
	return b.String()
}

func (t Template) render(b *strings.Builder, msgs []dataset.Message) {
	switch t.Family {
	case FamilyChatML:
		for _, m := range msgs {
			fmt.Fprintf(b, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
		}
	case FamilyLlama3:
		b.WriteString("<|begin_of_text|>")
		for _, m := range msgs {
			fmt.Fprintf(b, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", m.Role, m.Content)
		}
	case FamilyMistral:
		renderMistral(b, msgs)
	case FamilyAlpaca:
		for _, m := range msgs {
			switch m.Role {
			case dataset.RoleSystem:
				fmt.Fprintf(b, "%s\n\n", m.Content)
			case dataset.RoleAssistant:
				fmt.Fprintf(b, "### Response:\n%s\n\n", m.Content)
			default:
				fmt.Fprintf(b, "### Instruction:\n%s\n\n", m.Content)
			}
		}
	case FamilyGemma:
		b.WriteString("<bos>")
		for _, m := range msgs {
			role := m.Role
			if role == dataset.RoleAssistant {
				role = "model"
			}
			fmt.Fprintf(b, "<start_of_turn>%s\n%s<end_of_turn>\n", role, m.Content)
		}
	case FamilyPhi3:
		for _, m := range msgs {
			fmt.Fprintf(b, "<|%s|>\n%s<|end|>\n", m.Role, m.Content)
		}
	case FamilyCustom:
		for _, m := range msgs {
			if m.Role == dataset.RoleAssistant {
				b.WriteString(t.ResponseMarker)
			} else {
				fmt.Fprintf(b, "<%s>", m.Role)
			}
			b.WriteString(m.Content)
			b.WriteString(t.TurnEnd)
		}
	default:
		for _, m := range msgs {
			fmt.Fprintf(b, "%s: %s\n", m.Role, m.Content)
		}
	}
}

// renderMistral folds a system turn into the first instruction.
func renderMistral(b *strings.Builder, msgs []dataset.Message) {
	var system string
	for _, m := range msgs {
		switch m.Role {
		case dataset.RoleSystem:
			system = m.Content
		case dataset.RoleAssistant:
			fmt.Fprintf(b, "%s</s>", m.Content)
		default:
			content := m.Content
			if system != "" {
				content = system + "\n\n" + content
				system = ""
			}
			fmt.Fprintf(b, "<s>[INST] %s [/INST]", content)
		}
	}
}
