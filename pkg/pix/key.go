package pix

import (
	"fmt"
	"regexp"
	"strings"
)

// KeyType labels the kind of PIX key a raw identifier represents.
type KeyType string

const (
	KeyTypeCPF     KeyType = "cpf"
	KeyTypeCNPJ    KeyType = "cnpj"
	KeyTypeEmail   KeyType = "email"
	KeyTypePhone   KeyType = "phone"
	KeyTypeRandom  KeyType = "random"
	KeyTypeUnknown KeyType = "unknown"
)

var (
	cpfPattern    = regexp.MustCompile(`^\d{11}$`)
	cnpjPattern   = regexp.MustCompile(`^\d{14}$`)
	emailPattern  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern  = regexp.MustCompile(`^(\+?55)?(\d{10,11})$`)
	randomPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

	numericSeparators = regexp.MustCompile(`^[0-9.+\-]+$`)
)

// ClassifyKey tests a raw PIX key against the known key shapes in order:
// CPF, CNPJ, email, phone, random (UUID v4). The numeric shapes are matched
// on the bare digits so formatted documents like "123.456.789-01" and phone
// numbers like "+55 (11) 98765-4321" classify correctly; email and random
// keys are matched after the payload cleaning rule, which keeps the hyphens
// a UUID needs. The first match wins and yields a formatted display string.
// Unrecognized input is returned untouched with KeyTypeUnknown. Total over
// any string; never fails.
func ClassifyKey(raw string) (string, KeyType) {
	key := CleanKey(raw)
	digits := digitCandidate(key)

	switch {
	case cpfPattern.MatchString(digits):
		return fmt.Sprintf("%s.%s.%s-%s", digits[0:3], digits[3:6], digits[6:9], digits[9:11]), KeyTypeCPF
	case cnpjPattern.MatchString(digits):
		return fmt.Sprintf("%s.%s.%s/%s-%s", digits[0:2], digits[2:5], digits[5:8], digits[8:12], digits[12:14]), KeyTypeCNPJ
	case emailPattern.MatchString(key):
		return key, KeyTypeEmail
	case phonePattern.MatchString(digits):
		return formatPhone(digits), KeyTypePhone
	case randomPattern.MatchString(key):
		return strings.ToLower(key), KeyTypeRandom
	}
	return raw, KeyTypeUnknown
}

// digitCandidate reduces a cleaned key to its digits when the key holds
// nothing but digits and the separators CPF, CNPJ and phone formats use.
// Anything else (an email, a UUID) yields an empty candidate so it can
// never trip the numeric patterns.
func digitCandidate(key string) string {
	if !numericSeparators.MatchString(key) {
		return ""
	}
	var b strings.Builder
	for _, r := range key {
		if r >= '0' && r <= '9' || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// formatPhone renders a national number with area-code parentheses, e.g.
// "(11) 98765-4321". The optional +55 country prefix is dropped for display.
func formatPhone(key string) string {
	digits := phonePattern.FindStringSubmatch(key)[2]
	area := digits[0:2]
	local := digits[2:]
	split := len(local) - 4
	return fmt.Sprintf("(%s) %s-%s", area, local[:split], local[split:])
}
