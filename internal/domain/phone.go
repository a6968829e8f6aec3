package domain

import (
	"fmt"
	"strings"
)

var phoneCleaner = strings.NewReplacer(" ", "", "-", "")

// NormalizePhone converts 07XXXXXXXX, 01XXXXXXXX and 254XXXXXXXXX forms to
// the 12-digit 254 form mobile-money gateways expect.
func NormalizePhone(phone string) (string, error) {
	cleaned := strings.TrimPrefix(phoneCleaner.Replace(strings.TrimSpace(phone)), "+")
	switch {
	case strings.HasPrefix(cleaned, "07"), strings.HasPrefix(cleaned, "01"):
		cleaned = "254" + cleaned[1:]
	case strings.HasPrefix(cleaned, "254"):
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	if len(cleaned) != 12 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
		}
	}
	return cleaned, nil
}
