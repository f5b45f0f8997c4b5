package chat

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestWithDisclaimer(t *testing.T) {
	got := WithDisclaimer("Hola")
	want := "Hola\n\n-# *Respuesta generada por IA. Puede contener errores.*"
	if got != want {
		t.Errorf("WithDisclaimer = %q, want %q", got, want)
	}
}

func TestSplitMessage_Short(t *testing.T) {
	chunks := SplitMessage("corto", 2000)
	if len(chunks) != 1 || chunks[0] != "corto" {
		t.Errorf("chunks = %q", chunks)
	}
	if chunks := SplitMessage("", 2000); len(chunks) != 1 || chunks[0] != "" {
		t.Errorf("empty text chunks = %q", chunks)
	}
}

func TestSplitMessage_PrefersNewline(t *testing.T) {
	text := strings.Repeat("a", 15) + "\n" + strings.Repeat("b", 10)
	chunks := SplitMessage(text, 20)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %q", chunks)
	}
	if chunks[0] != strings.Repeat("a", 15) || chunks[1] != strings.Repeat("b", 10) {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestSplitMessage_FallsBackToSpace(t *testing.T) {
	text := "uno dos tres cuatro cinco seis siete"
	chunks := SplitMessage(text, 12)
	for _, c := range chunks {
		if utf8.RuneCountInString(c) > 12 {
			t.Errorf("chunk %q exceeds limit", c)
		}
		if strings.HasPrefix(c, " ") || strings.HasSuffix(c, " ") {
			t.Errorf("chunk %q not trimmed", c)
		}
	}
	if strings.Join(chunks, " ") != text {
		t.Errorf("rejoined = %q", strings.Join(chunks, " "))
	}
}

func TestSplitMessage_HardCutKeepsRunes(t *testing.T) {
	text := strings.Repeat("🐐", 45)
	chunks := SplitMessage(text, 20)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %q is not valid UTF-8", c)
		}
		n := utf8.RuneCountInString(c)
		if n > 20 {
			t.Errorf("chunk has %d runes", n)
		}
		total += n
	}
	if total != 45 {
		t.Errorf("total runes = %d, want 45", total)
	}
}

func TestSplitMessage_DiscordLimit(t *testing.T) {
	long := WithDisclaimer(strings.Repeat("palabra ", 600))
	chunks := SplitMessage(long, MaxMessageLength)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if utf8.RuneCountInString(c) > MaxMessageLength {
			t.Errorf("chunk %d too long", i)
		}
	}
	if !strings.HasSuffix(chunks[len(chunks)-1], Disclaimer) {
		t.Error("disclaimer should end the last chunk")
	}
}

func TestFormatSearchLine(t *testing.T) {
	ts := time.Date(2026, 5, 4, 18, 7, 0, 0, time.UTC)
	got := formatSearchLine(ts, "general", "pepe", "hola")
	if got != "[2026-05-04 18:07] [general] pepe: hola" {
		t.Errorf("formatSearchLine = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hola", 10); got != "hola" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("ñañañaña", 3); got != "ñañ..." {
		t.Errorf("truncate long = %q", got)
	}
}
