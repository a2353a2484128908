package journal_test

import (
	"testing"

	"github.com/artpar/pkghost/domain/journal"
)

func TestSummarize(t *testing.T) {
	entries := []journal.Entry{
		{ID: 4, SessionID: "s1", Event: "module.destroyed", Module: "sep"},
		{ID: 1, SessionID: "s1", Event: "module.activated", Module: "physical"},
		{ID: 2, SessionID: "s1", Event: "module.activated", Module: "sep"},
		{ID: 3, SessionID: "s1", Event: "module.absent", Module: "esp", Error: "load failed"},
		{ID: 5, SessionID: "s1", Event: "module.destroyed", Module: "physical"},
		{ID: 6, SessionID: "other", Event: "module.activated", Module: "kms"},
	}

	s := journal.Summarize("s1", entries)

	if len(s.Activated) != 2 || s.Activated[0] != "physical" || s.Activated[1] != "sep" {
		t.Errorf("Activated = %v, want [physical sep]", s.Activated)
	}
	if len(s.Destroyed) != 2 || s.Destroyed[0] != "sep" {
		t.Errorf("Destroyed = %v, want [sep physical]", s.Destroyed)
	}
	if len(s.Absent) != 1 || s.Absent[0] != "esp" {
		t.Errorf("Absent = %v, want [esp]", s.Absent)
	}
	if s.Errors != 1 {
		t.Errorf("Errors = %d, want 1", s.Errors)
	}
	if !s.Symmetric() {
		t.Error("Symmetric() = false for reverse teardown")
	}
}

func TestSummary_Symmetric(t *testing.T) {
	tests := []struct {
		name      string
		activated []string
		destroyed []string
		want      bool
	}{
		{"empty", nil, nil, true},
		{"reverse", []string{"a", "b", "c"}, []string{"c", "b", "a"}, true},
		{"same order", []string{"a", "b"}, []string{"a", "b"}, false},
		{"skipped", []string{"a", "b"}, []string{"b"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := journal.Summary{Activated: tt.activated, Destroyed: tt.destroyed}
			if got := s.Symmetric(); got != tt.want {
				t.Errorf("Symmetric() = %v, want %v", got, tt.want)
			}
		})
	}
}
