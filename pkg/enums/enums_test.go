package enums

import "testing"

func TestParseOutboxStatus(t *testing.T) {
	got, err := ParseOutboxStatus("FAILED")
	if err != nil || got != OutboxStatusFailed {
		t.Fatalf("expected FAILED, got %q err=%v", got, err)
	}
	if _, err := ParseOutboxStatus("failed"); err == nil {
		t.Fatal("status parsing is case sensitive")
	}
}

func TestDeadLetterReasonIsValid(t *testing.T) {
	if !DeadLetterReasonDeserialization.IsValid() {
		t.Fatal("deserialization should be valid")
	}
	if DeadLetterReason("expired").IsValid() {
		t.Fatal("unexpected reason accepted")
	}
}
