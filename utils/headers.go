package utils

import (
	"encoding/base64"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// Address is one parsed mailbox from an address-list header.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

var (
	encodedWordRe   = regexp.MustCompile(`=\?([^?]+)\?([bBqQ])\?([^?]*)\?=`)
	adjacentWordsRe = regexp.MustCompile(`\?=\s+=\?`)
)

// DecodeHeader decodes RFC2047 encoded-word runs in a raw header value.
// Malformed encoded words are passed through unchanged so a bad charset or
// truncated payload never loses the rest of the header.
func DecodeHeader(value string) string {
	if !strings.Contains(value, "=?") {
		return value
	}

	// Whitespace between two adjacent encoded words is not significant.
	value = adjacentWordsRe.ReplaceAllString(value, "?==?")

	return encodedWordRe.ReplaceAllStringFunc(value, func(word string) string {
		groups := encodedWordRe.FindStringSubmatch(word)
		charset, encoding, payload := groups[1], groups[2], groups[3]

		var raw []byte
		switch strings.ToUpper(encoding) {
		case "B":
			decoded, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return word
			}
			raw = decoded
		case "Q":
			decoded, ok := decodeQEncoding(payload)
			if !ok {
				return word
			}
			raw = decoded
		default:
			return word
		}

		text, err := DecodeCharset(raw, charset)
		if err != nil {
			return word
		}
		return text
	})
}

// decodeQEncoding decodes the Q variant: underscore is space, =XX is a hex byte.
func decodeQEncoding(payload string) ([]byte, bool) {
	out := make([]byte, 0, len(payload))
	for i := 0; i < len(payload); i++ {
		switch c := payload[i]; c {
		case '_':
			out = append(out, ' ')
		case '=':
			if i+2 >= len(payload) {
				return nil, false
			}
			hi, ok1 := unhex(payload[i+1])
			lo, ok2 := unhex(payload[i+2])
			if !ok1 || !ok2 {
				return nil, false
			}
			out = append(out, hi<<4|lo)
			i += 2
		default:
			out = append(out, c)
		}
	}
	return out, true
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// DecodeCharset converts bytes in the named charset to UTF-8, best effort.
func DecodeCharset(raw []byte, charset string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return string(raw), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", err
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// ParseAddressList parses an address-list header value ("From", "To", "Cc").
// Entries are split on top-level commas; commas inside quoted display names do
// not separate entries. Pure function, no side effects.
func ParseAddressList(value string) []Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	var addresses []Address
	for _, token := range splitTopLevel(value) {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if addr, ok := parseAddress(token); ok {
			addresses = append(addresses, addr)
		}
	}
	return addresses
}

// splitTopLevel splits on commas outside quoted strings and angle brackets.
func splitTopLevel(value string) []string {
	var (
		parts    []string
		start    int
		inQuote  bool
		inAngles bool
	)
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '"':
			inQuote = !inQuote
		case '<':
			if !inQuote {
				inAngles = true
			}
		case '>':
			if !inQuote {
				inAngles = false
			}
		case ',':
			if !inQuote && !inAngles {
				parts = append(parts, value[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, value[start:])
	return parts
}

func parseAddress(token string) (Address, bool) {
	if open := strings.LastIndex(token, "<"); open != -1 {
		end := strings.Index(token[open:], ">")
		if end == -1 {
			return Address{}, false
		}
		email := strings.TrimSpace(token[open+1 : open+end])
		name := strings.TrimSpace(token[:open])
		name = strings.Trim(name, `"`)
		name = DecodeHeader(name)
		if email == "" {
			return Address{}, false
		}
		return Address{Name: strings.TrimSpace(name), Email: email}, true
	}

	// Bare user@host token
	token = strings.Trim(token, `"`)
	if !strings.Contains(token, "@") {
		return Address{}, false
	}
	return Address{Email: strings.TrimSpace(token)}, true
}

// FormatAddressList renders parsed addresses back to a single header-style
// string for storage.
func FormatAddressList(addrs []Address) string {
	var parts []string
	for _, a := range addrs {
		if a.Name != "" {
			parts = append(parts, a.Name+" <"+a.Email+">")
		} else {
			parts = append(parts, a.Email)
		}
	}
	return strings.Join(parts, ", ")
}
