package context

import "testing"

func TestContextAssembler_WithContext(t *testing.T) {
	a := &ContextAssembler{UseContext: true}
	result := a.Assemble("tell me a joke", []string{"hi", "how are you"})

	if len(result) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(result))
	}
	if result[0].Role != "system" || result[0].Content != ContextSystemPrompt {
		t.Errorf("unexpected system message: %+v", result[0])
	}
	want := "Recent user messages:\n\nhi\nhow are you\n\nUser message to answer:\n\ntell me a joke"
	if result[1].Role != "user" || result[1].Content != want {
		t.Errorf("unexpected user message: %+v", result[1])
	}
}

func TestContextAssembler_EmptyPriorSendsRawMessage(t *testing.T) {
	a := &ContextAssembler{UseContext: true}
	result := a.Assemble("hi", nil)

	if result[0].Content != SystemPrompt {
		t.Errorf("expected plain system prompt, got %q", result[0].Content)
	}
	if result[1].Content != "hi" {
		t.Errorf("expected raw message, got %q", result[1].Content)
	}
}

func TestContextAssembler_DisabledIgnoresPrior(t *testing.T) {
	a := &ContextAssembler{UseContext: false}
	result := a.Assemble("what now?", []string{"a", "b", "c", "d"})

	if len(result) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(result))
	}
	if result[0].Content != SystemPrompt {
		t.Errorf("expected plain system prompt, got %q", result[0].Content)
	}
	if result[1].Content != "what now?" {
		t.Errorf("expected raw message, got %q", result[1].Content)
	}
}
