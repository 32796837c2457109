package domain

import (
	"regexp"
	"strings"
)

var phoneStrip = regexp.MustCompile(`[^\d+]`)

// NormalizePhone canonicalizes a Kenyan phone number to 254XXXXXXXXX.
// Accepted inputs: +254..., 254..., and local 07.../01... forms.
func NormalizePhone(raw string) (string, error) {
	phone := phoneStrip.ReplaceAllString(raw, "")

	switch {
	case strings.HasPrefix(phone, "+254"):
		phone = phone[1:]
	case strings.HasPrefix(phone, "0"):
		phone = "254" + phone[1:]
	case strings.HasPrefix(phone, "254"):
	default:
		return "", ErrInvalidPhoneFormat
	}

	if len(phone) != 12 {
		return "", ErrInvalidPhoneFormat
	}
	return phone, nil
}

// PhoneLast4 returns the display suffix of a normalized phone number.
func PhoneLast4(phone string) string {
	if len(phone) < 4 {
		return phone
	}
	return phone[len(phone)-4:]
}

// MaskPhone renders a last-4 suffix as ****XXXX for outward views.
func MaskPhone(last4 string) string {
	return "****" + last4
}
