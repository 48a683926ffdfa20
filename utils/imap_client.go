package utils

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// IMAPClient is a minimal client for the tag-correlated mailbox protocol.
// Each instance owns its connection, read buffer, and tag counter; nothing is
// shared across connections. The client only moves bytes and knows nothing
// about tickets, MIME structure, or persistence.
type IMAPClient struct {
	conn    net.Conn
	reader  *bufio.Reader
	tagSeq  int
	timeout time.Duration
}

// responseLine is one untagged server line, with the literal payload attached
// when the line announced one.
type responseLine struct {
	text    string
	literal []byte
}

const imapTimeout = 60 * time.Second

// DialIMAP connects to host:port using the given encryption mode (SSL/TLS,
// STARTTLS, or NONE) and verifies the server greeting.
func DialIMAP(host string, port int, encryption string) (*IMAPClient, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	var (
		conn net.Conn
		err  error
	)
	switch strings.ToUpper(encryption) {
	case "SSL", "TLS":
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: imapTimeout}, "tcp", addr, &tls.Config{ServerName: host})
	default:
		conn, err = net.DialTimeout("tcp", addr, imapTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	client, err := NewIMAPClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if strings.ToUpper(encryption) == "STARTTLS" {
		if err := client.startTLS(host); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return client, nil
}

// NewIMAPClient wraps an established connection and reads the greeting.
// Exposed so tests can drive the client over an in-memory pipe.
func NewIMAPClient(conn net.Conn) (*IMAPClient, error) {
	c := &IMAPClient{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: imapTimeout,
	}

	greeting, err := c.readLine()
	if err != nil {
		return nil, fmt.Errorf("failed to read server greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "* OK") {
		return nil, fmt.Errorf("unexpected server greeting: %s", greeting)
	}
	return c, nil
}

func (c *IMAPClient) startTLS(host string) error {
	if _, err := c.execute("STARTTLS"); err != nil {
		return err
	}
	tlsConn := tls.Client(c.conn, &tls.Config{ServerName: host})
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	return nil
}

// Login authenticates with a username and password.
func (c *IMAPClient) Login(username, password string) error {
	_, err := c.execute(fmt.Sprintf("LOGIN %s %s", quoteString(username), quoteString(password)))
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	return nil
}

// AuthenticateXOAuth2 authenticates with an OAuth2 access token.
func (c *IMAPClient) AuthenticateXOAuth2(username, accessToken string) error {
	sasl := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", username, accessToken)
	encoded := base64.StdEncoding.EncodeToString([]byte(sasl))
	_, err := c.execute(fmt.Sprintf("AUTHENTICATE XOAUTH2 %s", encoded))
	if err != nil {
		return fmt.Errorf("oauth authentication failed: %w", err)
	}
	return nil
}

var existsRe = regexp.MustCompile(`^\* (\d+) EXISTS$`)

// Select opens a mailbox folder and returns its message count.
func (c *IMAPClient) Select(folder string) (int, error) {
	lines, err := c.execute(fmt.Sprintf("SELECT %s", quoteString(folder)))
	if err != nil {
		return 0, fmt.Errorf("failed to select %s: %w", folder, err)
	}
	for _, line := range lines {
		if m := existsRe.FindStringSubmatch(line.text); m != nil {
			count, _ := strconv.Atoi(m[1])
			return count, nil
		}
	}
	return 0, nil
}

// Search returns the sequence numbers of matching messages in server order
// (ascending). A non-nil since date narrows the search.
func (c *IMAPClient) Search(since *time.Time) ([]int, error) {
	criteria := "ALL"
	if since != nil {
		criteria = "SINCE " + since.Format("02-Jan-2006")
	}
	lines, err := c.execute("SEARCH " + criteria)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	var seqs []int
	for _, line := range lines {
		if !strings.HasPrefix(line.text, "* SEARCH") {
			continue
		}
		for _, field := range strings.Fields(strings.TrimPrefix(line.text, "* SEARCH")) {
			if n, err := strconv.Atoi(field); err == nil {
				seqs = append(seqs, n)
			}
		}
	}
	return seqs, nil
}

// Fetch retrieves the full raw bytes of one message by sequence number using
// the protocol's length-prefixed literal convention, so embedded delimiters
// in the message cannot confuse the read.
func (c *IMAPClient) Fetch(seq int) ([]byte, error) {
	lines, err := c.execute(fmt.Sprintf("FETCH %d BODY.PEEK[]", seq))
	if err != nil {
		return nil, fmt.Errorf("fetch of message %d failed: %w", seq, err)
	}
	for _, line := range lines {
		if line.literal != nil {
			return line.literal, nil
		}
	}
	return nil, fmt.Errorf("no message body in fetch response for %d", seq)
}

// Logout ends the session politely and closes the connection.
func (c *IMAPClient) Logout() error {
	_, err := c.execute("LOGOUT")
	closeErr := c.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Close tears the connection down without a LOGOUT exchange.
func (c *IMAPClient) Close() error {
	return c.conn.Close()
}

// execute writes one tagged command and consumes response lines until the
// matching tag reappears. Untagged lines announcing a literal ({N}) have
// exactly N bytes read off the wire regardless of content.
func (c *IMAPClient) execute(command string) ([]responseLine, error) {
	c.tagSeq++
	tag := fmt.Sprintf("a%04d", c.tagSeq)

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := fmt.Fprintf(c.conn, "%s %s\r\n", tag, command); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var lines []responseLine
	for {
		text, err := c.readLine()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if strings.HasPrefix(text, tag+" ") {
			status := strings.TrimPrefix(text, tag+" ")
			if strings.HasPrefix(status, "OK") {
				return lines, nil
			}
			// NO or BAD: surface the server's own text
			return lines, fmt.Errorf("server refused command: %s", status)
		}

		line := responseLine{text: text}
		if size, ok := literalSize(text); ok {
			literal := make([]byte, size)
			c.conn.SetDeadline(time.Now().Add(c.timeout))
			if _, err := io.ReadFull(c.reader, literal); err != nil {
				return nil, fmt.Errorf("failed to read %d-byte literal: %w", size, err)
			}
			line.literal = literal
		}
		lines = append(lines, line)
	}
}

// readLine reads one CRLF-terminated line, buffering across socket fragments.
func (c *IMAPClient) readLine() (string, error) {
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var literalRe = regexp.MustCompile(`\{(\d+)\}$`)

func literalSize(line string) (int, bool) {
	m := literalRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	size, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return size, true
}

func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
