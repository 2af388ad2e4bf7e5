package backup

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/agessh"
)

// LoadRecipients parses AGE_RECIPIENT values and the lines of AGE_RECIPIENT_FILE
// (blank lines and # comments ignored). Native age1 keys and SSH public keys
// are accepted.
func LoadRecipients(values []string, file string) ([]age.Recipient, error) {
	all := append([]string(nil), values...)
	if strings.TrimSpace(file) != "" {
		fromFile, err := readRecipientFile(file)
		if err != nil {
			return nil, fmt.Errorf("read recipient file %s: %w", file, err)
		}
		all = append(all, fromFile...)
	}

	var parsed []age.Recipient
	seen := make(map[string]struct{})
	for _, value := range all {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}

		recipient, err := parseRecipientString(value)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, recipient)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("no AGE recipients configured")
	}
	return parsed, nil
}

func parseRecipientString(value string) (age.Recipient, error) {
	switch {
	case strings.HasPrefix(value, "age1"):
		return age.ParseX25519Recipient(value)
	case strings.HasPrefix(strings.ToLower(value), "ssh-"):
		return agessh.ParseRecipient(value)
	default:
		return nil, fmt.Errorf("unsupported AGE recipient format: %s", value)
	}
}

func readRecipientFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var recipients []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		recipients = append(recipients, line)
	}
	return recipients, scanner.Err()
}
