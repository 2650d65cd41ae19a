package redact

import "testing"

func TestTextDisabledPassthrough(t *testing.T) {
	SetEnabled(false)
	in := "reach me at jane@example.com"
	if got := Text(in); got != in {
		t.Fatalf("expected passthrough when disabled, got %q", got)
	}
}

func TestTextRedactsWhenEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("call +62 812 3456 7890 or mail jane@example.com")
	if got == "call +62 812 3456 7890 or mail jane@example.com" {
		t.Fatalf("expected redaction, got %q", got)
	}
}
