package backup

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
)

func TestLoadRecipients(t *testing.T) {
	id1, _ := age.GenerateX25519Identity()
	id2, _ := age.GenerateX25519Identity()

	file := filepath.Join(t.TempDir(), "recipients.txt")
	content := "# backup keys\n\n" + id2.Recipient().String() + "\n" + id1.Recipient().String() + "\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	recipients, err := LoadRecipients([]string{id1.Recipient().String()}, file)
	if err != nil {
		t.Fatalf("LoadRecipients: %v", err)
	}
	if len(recipients) != 2 {
		t.Fatalf("expected duplicates collapsed to 2 recipients, got %d", len(recipients))
	}
}

func TestLoadRecipientsErrors(t *testing.T) {
	if _, err := LoadRecipients(nil, ""); err == nil {
		t.Error("expected error with no recipients")
	}
	if _, err := LoadRecipients([]string{"pgp-key"}, ""); err == nil {
		t.Error("expected error for unsupported format")
	}
	if _, err := LoadRecipients(nil, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
