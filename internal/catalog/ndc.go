package catalog

import (
	"fmt"
	"strings"
)

// NormalizeNDC converts a package code to the 11-digit 5-4-2 dashed form.
//
// Accepted inputs are dashed 4-4-2, 5-3-2, 5-4-1 and 5-4-2 codes, a bare
// 10-digit code (labeler left-padded) and a bare 11-digit code.
func NormalizeNDC(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty ndc")
	}

	if strings.Contains(code, "-") {
		parts := strings.Split(code, "-")
		if len(parts) != 3 {
			return "", fmt.Errorf("ndc %q: expected 3 segments", code)
		}
		for _, p := range parts {
			if p == "" || !allDigits(p) {
				return "", fmt.Errorf("ndc %q: non-numeric segment", code)
			}
		}
		l, p, k := len(parts[0]), len(parts[1]), len(parts[2])
		switch {
		case l == 5 && p == 4 && k == 2:
		case l == 4 && p == 4 && k == 2:
			parts[0] = "0" + parts[0]
		case l == 5 && p == 3 && k == 2:
			parts[1] = "0" + parts[1]
		case l == 5 && p == 4 && k == 1:
			parts[2] = "0" + parts[2]
		default:
			return "", fmt.Errorf("ndc %q: unsupported segment layout %d-%d-%d", code, l, p, k)
		}
		return strings.Join(parts, "-"), nil
	}

	if !allDigits(code) {
		return "", fmt.Errorf("ndc %q: non-numeric", code)
	}
	switch len(code) {
	case 10:
		code = "0" + code
	case 11:
	default:
		return "", fmt.Errorf("ndc %q: expected 10 or 11 digits", code)
	}
	return code[:5] + "-" + code[5:9] + "-" + code[9:], nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
