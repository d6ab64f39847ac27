package util

import (
	"strings"
	"testing"
)

func TestInviteAlphabetHasEightySymbols(t *testing.T) {
	if len(InviteAlphabet) != 80 {
		t.Fatalf("len(InviteAlphabet) = %d, want 80", len(InviteAlphabet))
	}
	seen := make(map[rune]bool)
	for _, r := range InviteAlphabet {
		if seen[r] {
			t.Fatalf("duplicate symbol %q in alphabet", r)
		}
		seen[r] = true
	}
}

func TestNewInviteCode(t *testing.T) {
	code, err := NewInviteCode(20)
	if err != nil {
		t.Fatalf("NewInviteCode() error = %v", err)
	}
	if len(code) != 20 {
		t.Fatalf("expected 20 characters, got %d", len(code))
	}
	for _, r := range code {
		if !strings.ContainsRune(InviteAlphabet, r) {
			t.Fatalf("code %q contains %q outside the alphabet", code, r)
		}
	}

	other, err := NewInviteCode(20)
	if err != nil {
		t.Fatalf("NewInviteCode() error = %v", err)
	}
	if other == code {
		t.Fatalf("expected two draws to differ, both were %q", code)
	}
}

func TestNewInviteCodeDefaultsLength(t *testing.T) {
	code, err := NewInviteCode(0)
	if err != nil {
		t.Fatalf("NewInviteCode() error = %v", err)
	}
	if len(code) != 16 {
		t.Fatalf("expected default length 16, got %d", len(code))
	}
}

func TestNewIDPrefix(t *testing.T) {
	id := NewID("ws")
	if !strings.HasPrefix(id, "ws_") {
		t.Fatalf("expected ws_ prefix, got %q", id)
	}
	if len(id) != len("ws_")+32 {
		t.Fatalf("unexpected id length for %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("expected unique ids")
	}
}
