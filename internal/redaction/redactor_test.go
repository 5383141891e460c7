package redaction

import "testing"

func TestRedactAnthropicAPIKey(t *testing.T) {
	r := NewPatternRedactor()
	in := "here is my key sk-ant-REDACTED"
	got := r.Redact(in)
	if got == in {
		t.Fatal("expected the anthropic API key to be redacted")
	}
	if want := "[REDACTED_ANTHROPIC_KEY]"; !contains(got, want) {
		t.Errorf("expected %q in output, got %q", want, got)
	}
}

func TestRedactHomeDirectoryPath(t *testing.T) {
	r := NewPatternRedactor()
	in := "repo_root=/home/alice/projects/widgets"
	got := r.Redact(in)
	if contains(got, "/home/alice") {
		t.Errorf("expected home directory to be redacted, got %q", got)
	}
	if !contains(got, "[REDACTED_HOME_PATH]") {
		t.Errorf("expected redaction marker, got %q", got)
	}
}

func TestRedactDisabledPassesThrough(t *testing.T) {
	r, err := NewFromConfig(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	in := "my email is a@b.com"
	if got := r.Redact(in); got != in {
		t.Errorf("expected disabled redactor to pass content through unchanged, got %q", got)
	}
}

func TestRedactCustomPatternFromConfig(t *testing.T) {
	cfg := Config{
		Enabled: true,
		CustomPatterns: []PatternConfig{
			{Name: "ticket_id", Pattern: `TICKET-\d+`, Replacement: "[REDACTED_TICKET]"},
		},
	}
	r, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	got := r.Redact("see TICKET-4821 for context")
	if !contains(got, "[REDACTED_TICKET]") {
		t.Errorf("expected custom pattern applied, got %q", got)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
