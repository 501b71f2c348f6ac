package devbackend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/personachat/internal/sessionstore"
)

const DefaultPersona = "generic-guide"

type Persona struct {
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt"`
}

var personas = map[string]Persona{
	"generic-guide": {
		Slug:         "generic-guide",
		Name:         "General guide",
		SystemPrompt: "You are a role-playing conversation partner. Stay polite, concise and consistent across the conversation.",
	},
	"socrates": {
		Slug:         "socrates",
		Name:         "Socrates (stylized)",
		SystemPrompt: "You converse in the Socratic manner: lead with questions, stay calm and seek the truth.",
	},
}

// PersonaFor resolves slug, falling back to the default persona.
func PersonaFor(slug string) Persona {
	if p, ok := personas[strings.TrimSpace(slug)]; ok {
		return p
	}
	return personas[DefaultPersona]
}

// FailMarker in a user message makes the default generator fail after its
// first delta, which exercises the error frame path.
const FailMarker = "[fail]"

var ErrGeneration = errors.New("generation failed")

// Generator produces the assistant reply for one turn, handing each fragment
// to emit in order. A failed emit (client gone) must stop generation.
type Generator interface {
	Generate(ctx context.Context, p Persona, history []sessionstore.MessageRecord, userText string, emit func(string) error) error
}

type GeneratorFunc func(ctx context.Context, p Persona, history []sessionstore.MessageRecord, userText string, emit func(string) error) error

func (f GeneratorFunc) Generate(ctx context.Context, p Persona, history []sessionstore.MessageRecord, userText string, emit func(string) error) error {
	return f(ctx, p, history, userText, emit)
}

// ScriptedGenerator answers with a persona-flavoured template split into
// word fragments.
var ScriptedGenerator Generator = GeneratorFunc(scripted)

func scripted(ctx context.Context, p Persona, history []sessionstore.MessageRecord, userText string, emit func(string) error) error {
	reply := scriptedReply(p, len(history), userText)
	words := strings.SplitAfter(reply, " ")
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(w); err != nil {
			return err
		}
		if i == 0 && strings.Contains(userText, FailMarker) {
			return ErrGeneration
		}
	}
	return nil
}

func scriptedReply(p Persona, turns int, userText string) string {
	quoted := userText
	if utf8.RuneCountInString(quoted) > 80 {
		quoted = string([]rune(quoted)[:80]) + "..."
	}
	switch p.Slug {
	case "socrates":
		if turns == 0 {
			return fmt.Sprintf("You say %q. Before we go further, what do you mean by it?", quoted)
		}
		return fmt.Sprintf("We have spoken %d times now. And if %q is true, what follows from it?", turns/2+1, quoted)
	default:
		return fmt.Sprintf("You said: %s. Tell me more about that.", quoted)
	}
}
