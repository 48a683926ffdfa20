package utils

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"io"
	"mime"
	"mime/quotedprintable"
	"regexp"
	"strings"
	"time"
)

// maxMIMEDepth bounds the recursive multipart descent so malicious or cyclic
// structures cannot blow the stack. Exceeding it yields an empty result.
const maxMIMEDepth = 10

// ParsedAttachment is one decoded binary part.
type ParsedAttachment struct {
	FileName    string
	ContentType string
	Size        int
	Content     []byte
}

// ParsedEmail is the decoded form of one raw mail item.
type ParsedEmail struct {
	MessageID   string
	InReplyTo   string
	References  []string // oldest first
	Subject     string
	From        Address
	To          []Address
	Cc          []Address
	Date        time.Time
	Text        string
	HTML        string
	Attachments []ParsedAttachment
}

type headerBlock map[string][]string

func (h headerBlock) get(name string) string {
	values := h[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

var msgIDRe = regexp.MustCompile(`<[^<>]+>`)

// ParseMessage decodes a full raw message (headers + body) into its parts.
// A missing Message-ID is synthesized deterministically from the raw bytes so
// re-fetching the same message still dedups.
func ParseMessage(raw []byte) (*ParsedEmail, error) {
	headerBytes, body := splitHeaderBody(raw)
	headers := parseHeaderBlock(headerBytes)

	email := &ParsedEmail{
		Subject: DecodeHeader(headers.get("Subject")),
		To:      ParseAddressList(headers.get("To")),
		Cc:      ParseAddressList(headers.get("Cc")),
	}

	if from := ParseAddressList(headers.get("From")); len(from) > 0 {
		email.From = from[0]
	}

	email.MessageID = firstMessageID(headers.get("Message-ID"))
	if email.MessageID == "" {
		sum := sha1.Sum(raw)
		email.MessageID = "<" + hex.EncodeToString(sum[:]) + "@local.generated>"
	}
	email.InReplyTo = firstMessageID(headers.get("In-Reply-To"))
	email.References = msgIDRe.FindAllString(headers.get("References"), -1)
	email.Date = parseDate(headers.get("Date"))

	var acc bodyAccumulator
	walkPart(headers, body, 0, &acc)
	email.Text = acc.text
	email.HTML = acc.html
	email.Attachments = acc.attachments

	return email, nil
}

type bodyAccumulator struct {
	text        string
	html        string
	attachments []ParsedAttachment
}

// walkPart classifies one MIME entity, recursing into multiparts.
func walkPart(headers headerBlock, body []byte, depth int, acc *bodyAccumulator) {
	if depth > maxMIMEDepth {
		return
	}

	contentType := headers.get("Content-Type")
	mediaType, params := parseContentType(contentType)

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return
		}
		for _, part := range splitMultipart(body, boundary) {
			partHeaderBytes, partBody := splitHeaderBody(part)
			walkPart(parseHeaderBlock(partHeaderBytes), partBody, depth+1, acc)
		}
		return
	}

	decoded := decodeTransferEncoding(body, headers.get("Content-Transfer-Encoding"))

	disposition := headers.get("Content-Disposition")
	filename := partFileName(disposition, params)

	isText := mediaType == "text/plain" || mediaType == "text/html"
	isAttachment := strings.HasPrefix(strings.ToLower(strings.TrimSpace(disposition)), "attachment") ||
		(filename != "" && !isText)

	if isAttachment {
		name := filename
		if name == "" {
			name = "untitled"
		}
		acc.attachments = append(acc.attachments, ParsedAttachment{
			FileName:    name,
			ContentType: mediaType,
			Size:        len(decoded),
			Content:     decoded,
		})
		return
	}

	text := decodedText(decoded, params["charset"])
	switch mediaType {
	case "text/html":
		// first-wins: duplicated parts never replace the body already found
		if acc.html == "" {
			acc.html = text
		}
	case "text/plain", "":
		if acc.text == "" {
			acc.text = text
		}
	}
}

func decodedText(raw []byte, charset string) string {
	if text, err := DecodeCharset(raw, charset); err == nil {
		return text
	}
	return string(raw)
}

// splitHeaderBody cuts a raw entity at the first blank line.
func splitHeaderBody(raw []byte) ([]byte, []byte) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx != -1 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx != -1 {
		return raw[:idx], raw[idx+2:]
	}
	return raw, nil
}

// parseHeaderBlock unfolds continuation lines and lowercases field names.
func parseHeaderBlock(raw []byte) headerBlock {
	headers := make(headerBlock)
	var name, value string

	flush := func() {
		if name != "" {
			key := strings.ToLower(name)
			headers[key] = append(headers[key], strings.TrimSpace(value))
		}
		name, value = "", ""
	}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		colon := strings.Index(line, ":")
		if colon == -1 {
			continue
		}
		name = line[:colon]
		value = line[colon+1:]
	}
	flush()
	return headers
}

func parseContentType(value string) (string, map[string]string) {
	if value == "" {
		return "", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(value)
	if err != nil {
		// Fall back to the bare type token when parameters are malformed.
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(value, ";", 2)[0]))
		return mediaType, map[string]string{}
	}
	return strings.ToLower(mediaType), params
}

// splitMultipart returns the raw sub-entities between --boundary delimiters.
func splitMultipart(body []byte, boundary string) [][]byte {
	delimiter := "--" + boundary
	var (
		parts   [][]byte
		current []string
		inPart  bool
	)

	flush := func() {
		if inPart && len(current) > 0 {
			parts = append(parts, []byte(strings.Join(current, "\r\n")))
		}
		current = nil
	}

	for _, line := range strings.Split(string(body), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == delimiter+"--" {
			flush()
			break
		}
		if trimmed == delimiter {
			flush()
			inPart = true
			continue
		}
		if inPart {
			current = append(current, trimmed)
		}
	}
	flush()
	return parts
}

// decodeTransferEncoding decodes base64 and quoted-printable bodies; anything
// else passes through untouched.
func decodeTransferEncoding(body []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, string(body))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return body
		}
		return decoded
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil && len(decoded) == 0 {
			return body
		}
		return decoded
	default:
		return body
	}
}

func partFileName(disposition string, typeParams map[string]string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if fn := params["filename"]; fn != "" {
				return DecodeHeader(fn)
			}
		}
	}
	if name := typeParams["name"]; name != "" {
		return DecodeHeader(name)
	}
	return ""
}

func firstMessageID(value string) string {
	if match := msgIDRe.FindString(value); match != "" {
		return match
	}
	return strings.TrimSpace(value)
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC3339,
}

func parseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
