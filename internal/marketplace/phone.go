package marketplace

import (
	"errors"
	"regexp"
	"strings"
)

const (
	CountryCode      = "254"
	SubscriberDigits = 9
)

var (
	ErrInvalidPhone = errors.New("invalid phone number")

	msisdnRe = regexp.MustCompile(`^254\d{9}$`)
)

// NormalizePhone turns the local, bare and international spellings of a
// Kenyan mobile number into the 254XXXXXXXXX form the gateway expects.
func NormalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	plus := strings.HasPrefix(s, "+")
	if plus {
		s = s[1:]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", ErrInvalidPhone
		}
	}
	d := b.String()

	switch {
	case plus:
		// international form must already carry the country code
	case len(d) == SubscriberDigits+1 && d[0] == '0':
		d = CountryCode + d[1:]
	case len(d) == SubscriberDigits:
		d = CountryCode + d
	}

	if !msisdnRe.MatchString(d) {
		return "", ErrInvalidPhone
	}
	return d, nil
}
