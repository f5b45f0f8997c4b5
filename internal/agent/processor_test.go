package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meulify/mai/internal/knowledge"
	"github.com/meulify/mai/internal/llm"
)

// step is one scripted model turn.
type step struct {
	reply string
	err   error
}

// scriptedInvoker replays steps in order and records every conversation it
// was sent. Calls beyond the script fail the test.
type scriptedInvoker struct {
	t     *testing.T
	steps []step

	mu    sync.Mutex
	calls [][]llm.Message
}

func (s *scriptedInvoker) Invoke(ctx context.Context, messages []llm.Message) (llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.calls)
	s.calls = append(s.calls, append([]llm.Message(nil), messages...))
	if n >= len(s.steps) {
		s.t.Errorf("unexpected model call %d", n+1)
		return llm.Message{}, errors.New("no more steps")
	}
	st := s.steps[n]
	if st.err != nil {
		return llm.Message{}, st.err
	}
	return llm.Message{Role: llm.RoleAssistant, Content: st.reply}, nil
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestProcessor(t *testing.T, inv Invoker) *Processor {
	t.Helper()
	store, err := knowledge.Default()
	if err != nil {
		t.Fatalf("knowledge.Default: %v", err)
	}
	p, err := NewProcessor(ProcessorOpts{Invoker: inv, Knowledge: store})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p
}

func TestNewProcessor_Validation(t *testing.T) {
	if _, err := NewProcessor(ProcessorOpts{}); err == nil || !strings.Contains(err.Error(), "invoker is required") {
		t.Errorf("err = %v, want invoker required", err)
	}
	inv := &scriptedInvoker{t: t}
	if _, err := NewProcessor(ProcessorOpts{Invoker: inv}); err == nil || !strings.Contains(err.Error(), "knowledge is required") {
		t.Errorf("err = %v, want knowledge required", err)
	}
}

func TestProcess_NoTool(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{{reply: "Holaaa! Qué tal? REACT: 😊"}}}
	p := newTestProcessor(t, inv)

	res := p.Process(context.Background(), Query{Text: "hola", Requester: "ana"}, Tools{})
	if res.Text != "Holaaa! Qué tal?" || res.Reaction != "😊" {
		t.Errorf("result = %+v", res)
	}
	if res.Failed || res.Degraded {
		t.Errorf("flags = failed:%v degraded:%v", res.Failed, res.Degraded)
	}
	if inv.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", inv.callCount())
	}

	msgs := inv.calls[0]
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem || msgs[1].Role != llm.RoleUser {
		t.Fatalf("first conversation = %+v", msgs)
	}
	if !strings.Contains(msgs[1].Content, "hola") || !strings.Contains(msgs[1].Content, "ana") {
		t.Errorf("user message = %q", msgs[1].Content)
	}
}

// Scenario A: a download question is answered from the iOS knowledge block.
func TestProcess_ContextRoundTrip(t *testing.T) {
	final := "En iPhone búscala en la App Store como \"Meulify\" y listo 🍎"
	inv := &scriptedInvoker{t: t, steps: []step{
		{reply: "CONTEXT: descargas_ios"},
		{reply: final},
	}}
	p := newTestProcessor(t, inv)
	store, _ := knowledge.Default()
	iosBlock := store.Resolve("descargas_ios")

	var statuses []string
	tools := Tools{Status: func(ctx context.Context, text string) { statuses = append(statuses, text) }}

	res := p.Process(context.Background(), Query{Text: "¿cómo descargo en iOS?", Requester: "ana"}, tools)
	if res.Failed || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if res.Text != final {
		t.Errorf("text = %q, want %q", res.Text, final)
	}
	if res.Directive.Kind != ContextRequest || res.Directive.Topic != "descargas_ios" {
		t.Errorf("directive = %+v", res.Directive)
	}
	if len(statuses) != 1 {
		t.Errorf("status updates = %v, want one", statuses)
	}
	if inv.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", inv.callCount())
	}

	second := inv.calls[1]
	if len(second) != 3 {
		t.Fatalf("second conversation has %d messages, want 3", len(second))
	}
	// The first two messages are carried over unchanged.
	for i := 0; i < 2; i++ {
		if second[i] != inv.calls[0][i] {
			t.Errorf("message %d changed between rounds", i)
		}
	}
	feedback := second[2]
	if feedback.Role != llm.RoleSystem {
		t.Errorf("feedback role = %q, want system", feedback.Role)
	}
	if !strings.Contains(feedback.Content, iosBlock) {
		t.Error("feedback does not contain the iOS knowledge block")
	}
	if !strings.Contains(feedback.Content, "DESCARGAS_IOS") {
		t.Error("feedback does not name the topic")
	}
	if !strings.Contains(feedback.Content, "¿cómo descargo en iOS?") {
		t.Error("feedback does not repeat the question")
	}
}

func TestProcess_ContextTopicCaseInsensitive(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{
		{reply: "CONTEXT: FEATURES\n"},
		{reply: "Tiene un montón de cosas"},
	}}
	p := newTestProcessor(t, inv)
	store, _ := knowledge.Default()

	p.Process(context.Background(), Query{Text: "qué hace la app?"}, Tools{})
	if inv.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", inv.callCount())
	}
	if !strings.Contains(inv.calls[1][2].Content, store.Resolve("features")) {
		t.Error("feedback does not contain the features block")
	}
}

func TestProcess_UnknownTopicFeedsMenu(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{
		{reply: "CONTEXT: precios"},
		{reply: "No tengo esa información"},
	}}
	p := newTestProcessor(t, inv)

	res := p.Process(context.Background(), Query{Text: "cuánto cuesta?"}, Tools{})
	if res.Failed || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	fb := inv.calls[1][2].Content
	if !strings.Contains(fb, "no encontrado") || !strings.Contains(fb, "descargas_ios") {
		t.Errorf("feedback = %q, want not-found message with menu", fb)
	}
}

// Scenario B: an empty search must reach the model as the no-matches sentinel.
func TestProcess_SearchRoundTrip(t *testing.T) {
	sentinel := NoMatchesPhrase + ". No se encontraron mensajes para 'eventos' en #general. NO INVENTES mensajes ni usuarios."
	final := "He buscado en #general y no encontré nada sobre eventos, tío."
	inv := &scriptedInvoker{t: t, steps: []step{
		{reply: "SEARCH: eventos @ general"},
		{reply: final},
	}}
	p := newTestProcessor(t, inv)

	var gotQuery, gotScope string
	var statuses []string
	tools := Tools{
		Search: func(ctx context.Context, query, scope string) (string, error) {
			gotQuery, gotScope = query, scope
			return sentinel, nil
		},
		Status: func(ctx context.Context, text string) { statuses = append(statuses, text) },
	}

	res := p.Process(context.Background(), Query{Text: "busca mensajes sobre eventos", Channel: "general"}, tools)
	if res.Failed || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if gotQuery != "eventos" || gotScope != "general" {
		t.Errorf("search(%q, %q), want (eventos, general)", gotQuery, gotScope)
	}
	if len(statuses) != 1 || !strings.Contains(statuses[0], "#general") {
		t.Errorf("statuses = %v", statuses)
	}
	if res.Text != final {
		t.Errorf("text = %q", res.Text)
	}

	fb := inv.calls[1][2].Content
	if !strings.Contains(fb, sentinel) {
		t.Error("feedback does not carry the sentinel")
	}
	if !strings.Contains(fb, "NO INVENTES") {
		t.Error("feedback lacks the anti-fabrication instruction")
	}
}

func TestProcess_SearchAllScopeStatus(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{
		{reply: "SEARCH: evento"},
		{reply: "ok"},
	}}
	p := newTestProcessor(t, inv)

	var statuses []string
	tools := Tools{
		Search: func(ctx context.Context, query, scope string) (string, error) {
			if scope != ScopeAll {
				t.Errorf("scope = %q, want %q", scope, ScopeAll)
			}
			return "[2026-01-01 10:00] #general pepe: evento mañana", nil
		},
		Status: func(ctx context.Context, text string) { statuses = append(statuses, text) },
	}
	p.Process(context.Background(), Query{Text: "hay evento?"}, tools)
	if len(statuses) != 1 || !strings.Contains(statuses[0], ScopeAll) || strings.Contains(statuses[0], "#") {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestProcess_AtMostOneToolRoundTrip(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{
		{reply: "CONTEXT: mai"},
		{reply: "SEARCH: algo @ general REACT: 🔥"},
	}}
	p := newTestProcessor(t, inv)

	searched := false
	tools := Tools{Search: func(ctx context.Context, query, scope string) (string, error) {
		searched = true
		return "", nil
	}}
	res := p.Process(context.Background(), Query{Text: "q"}, tools)
	if inv.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", inv.callCount())
	}
	if searched {
		t.Error("second-round directive must not run a tool")
	}
	if res.Text != "SEARCH: algo @ general" || res.Reaction != "🔥" {
		t.Errorf("result = %+v", res)
	}
}

func TestProcess_SearchErrorDegrades(t *testing.T) {
	first := "SEARCH: reglas @ bienvenida"
	inv := &scriptedInvoker{t: t, steps: []step{{reply: first}}}
	p := newTestProcessor(t, inv)

	tools := Tools{Search: func(ctx context.Context, query, scope string) (string, error) {
		return "", errors.New("missing permissions")
	}}
	res := p.Process(context.Background(), Query{Text: "reglas?"}, tools)
	if !res.Degraded || res.Failed {
		t.Errorf("flags = %+v, want degraded", res)
	}
	if res.Text != first {
		t.Errorf("text = %q, want first reply", res.Text)
	}
	if inv.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", inv.callCount())
	}
}

func TestProcess_SearchPanicDegrades(t *testing.T) {
	first := "SEARCH: reglas @ bienvenida"
	inv := &scriptedInvoker{t: t, steps: []step{{reply: first}}}
	p := newTestProcessor(t, inv)

	tools := Tools{Search: func(ctx context.Context, query, scope string) (string, error) {
		panic("nil channel map")
	}}
	res := p.Process(context.Background(), Query{Text: "reglas?"}, tools)
	if !res.Degraded || res.Failed {
		t.Errorf("flags = %+v, want degraded", res)
	}
	if res.Text != first {
		t.Errorf("text = %q, want first reply", res.Text)
	}
}

func TestProcess_NoSearchProviderDegrades(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{{reply: "Voy a mirar SEARCH: * @ general"}}}
	p := newTestProcessor(t, inv)

	res := p.Process(context.Background(), Query{Text: "qué se dice?"}, Tools{})
	if !res.Degraded {
		t.Errorf("result = %+v, want degraded", res)
	}
	if res.Text != "Voy a mirar SEARCH: * @ general" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestProcess_MalformedDirectiveDegrades(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{{reply: "Mmm CONTEXT:"}}}
	p := newTestProcessor(t, inv)

	res := p.Process(context.Background(), Query{Text: "?"}, Tools{})
	if !res.Degraded || res.Text != "Mmm CONTEXT:" {
		t.Errorf("result = %+v", res)
	}
	if inv.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", inv.callCount())
	}
}

func TestProcess_ModelFailureApologizes(t *testing.T) {
	exhausted := &llm.ExhaustedFallbackError{Attempts: []string{"a", "b"}, Last: errors.New("429")}
	tests := []struct {
		name  string
		steps []step
	}{
		{"first call exhausted", []step{{err: exhausted}}},
		{"first call fault", []step{{err: errors.New("status code: 400")}}},
		{"second call exhausted", []step{{reply: "CONTEXT: goats"}, {err: exhausted}}},
		{"empty answer", []step{{reply: "   "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &scriptedInvoker{t: t, steps: tt.steps}
			p := newTestProcessor(t, inv)
			res := p.Process(context.Background(), Query{Text: "q"}, Tools{})
			if !res.Failed || res.Text != DefaultApology {
				t.Errorf("result = %+v, want apology", res)
			}
			if strings.Contains(res.Text, "429") || strings.Contains(res.Text, "400") {
				t.Error("raw error leaked to user text")
			}
		})
	}
}

func TestProcess_CustomApology(t *testing.T) {
	store, _ := knowledge.Default()
	inv := &scriptedInvoker{t: t, steps: []step{{err: errors.New("boom")}}}
	p, err := NewProcessor(ProcessorOpts{Invoker: inv, Knowledge: store, Apology: "sorry"})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	if res := p.Process(context.Background(), Query{}, Tools{}); res.Text != "sorry" {
		t.Errorf("text = %q", res.Text)
	}
}

type panickyKnowledge struct{}

func (panickyKnowledge) Resolve(string) string { panic("table corrupted") }
func (panickyKnowledge) Menu() string          { return "a, b" }

func TestProcess_PanicBecomesApology(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{{reply: "CONTEXT: a"}}}
	p, err := NewProcessor(ProcessorOpts{Invoker: inv, Knowledge: panickyKnowledge{}})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	res := p.Process(context.Background(), Query{Text: "q"}, Tools{})
	if !res.Failed || res.Text != DefaultApology {
		t.Errorf("result = %+v", res)
	}
}

func TestProcess_ReactionOnlyAnswer(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{{reply: "REACT: 💀"}}}
	p := newTestProcessor(t, inv)
	res := p.Process(context.Background(), Query{Text: "jajaja"}, Tools{})
	if res.Failed || res.Text != "" || res.Reaction != "💀" {
		t.Errorf("result = %+v", res)
	}
}

func TestProcess_SystemPromptGrounding(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{{reply: "ok"}}}
	p := newTestProcessor(t, inv)

	q := Query{
		Text:      "cuántos somos?",
		Requester: "ana",
		Channel:   "general",
		Channels:  []string{"general", "Members-18"},
		Stats:     []Stat{{Key: "Miembros", Value: "18"}, {Key: "Servidor", Value: "Meulify"}},
		History: []HistoryEntry{
			{Timestamp: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), Author: "pepe", Content: "buenas"},
		},
	}
	p.Process(context.Background(), q, Tools{})
	sys := inv.calls[0][0].Content

	for _, want := range []string{
		"#general",
		"• Miembros: 18",
		"• Members-18",
		"[2026-03-01 09:30] pepe: buenas",
		"MENOS FIABLE",
		"CONTEXT: <tema>",
		"SEARCH: <consulta> @ <nombre_canal>",
		"REACT: <emoji>",
		"descargas_ios",
		", all",
	} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if strings.Index(sys, "DATOS VERIFICADOS") > strings.Index(sys, "MENOS FIABLE") {
		t.Error("verified facts must come before the chat history")
	}
}

func TestProcess_EmptyQueryContextOmitsHistory(t *testing.T) {
	inv := &scriptedInvoker{t: t, steps: []step{{reply: "ok"}}}
	p := newTestProcessor(t, inv)
	p.Process(context.Background(), Query{Text: "hola"}, Tools{})
	sys := inv.calls[0][0].Content
	if strings.Contains(sys, "HISTORIAL RECIENTE") {
		t.Error("history block rendered without history")
	}
	if !strings.Contains(sys, "(sin estadísticas)") || !strings.Contains(sys, "(ninguno visible)") {
		t.Error("empty verified blocks should say so")
	}
}

func TestProcess_ConcurrentQueriesAreIsolated(t *testing.T) {
	store, _ := knowledge.Default()
	inv := &echoInvoker{}
	p, err := NewProcessor(ProcessorOpts{Invoker: inv, Knowledge: store})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("pregunta-%d", i)
			res := p.Process(context.Background(), Query{Text: text}, Tools{})
			if !strings.Contains(res.Text, text) {
				t.Errorf("query %d got answer %q", i, res.Text)
			}
		}(i)
	}
	wg.Wait()
}

// echoInvoker answers with the user message of the conversation.
type echoInvoker struct{}

func (echoInvoker) Invoke(ctx context.Context, messages []llm.Message) (llm.Message, error) {
	for _, m := range messages {
		if m.Role == llm.RoleUser {
			return llm.Message{Role: llm.RoleAssistant, Content: m.Content}, nil
		}
	}
	return llm.Message{}, errors.New("no user message")
}
