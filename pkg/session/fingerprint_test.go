package session

import (
	"testing"
)

func TestFingerprint_Deterministic(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "what is the warranty period?"},
		{Role: RoleAssistant, Content: "Two years from purchase [1]."},
	}

	a := Fingerprint(messages)
	b := Fingerprint(messages)
	if a != b {
		t.Errorf("fingerprint not deterministic: %s != %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("expected 16 char fingerprint, got %d", len(a))
	}
}

func TestFingerprint_IndependentOfLaterMessages(t *testing.T) {
	base := []Message{
		{Role: RoleUser, Content: "first question"},
		{Role: RoleAssistant, Content: "first answer"},
	}
	extended := append(append([]Message{}, base...),
		Message{Role: RoleUser, Content: "second question"},
		Message{Role: RoleAssistant, Content: "second answer"},
	)

	if Fingerprint(base) != Fingerprint(extended) {
		t.Error("fingerprint changed when later messages were appended")
	}
}

func TestFingerprint_SkipsSystemMessages(t *testing.T) {
	withSystem := []Message{
		{Role: RoleSystem, Content: "you are a helpful assistant"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
	}
	withoutSystem := []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
	}

	if Fingerprint(withSystem) != Fingerprint(withoutSystem) {
		t.Error("system messages should not affect the fingerprint")
	}
}

func TestFingerprint_DistinguishesConversations(t *testing.T) {
	a := Fingerprint([]Message{{Role: RoleUser, Content: "question A"}})
	b := Fingerprint([]Message{{Role: RoleUser, Content: "question B"}})
	if a == b {
		t.Error("different conversations produced the same fingerprint")
	}

	// Role participates in the hash, not just content.
	c := Fingerprint([]Message{{Role: RoleAssistant, Content: "question A"}})
	if a == c {
		t.Error("role should affect the fingerprint")
	}
}
