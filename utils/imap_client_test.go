package utils

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedServer plays the server side of a net.Pipe so client behavior can
// be exercised without a real mail server.
type scriptedServer struct {
	conn     net.Conn
	reader   *bufio.Reader
	received []string
}

func (s *scriptedServer) expect(t *testing.T) string {
	t.Helper()
	line, err := s.reader.ReadString('\n')
	require.NoError(t, err)
	line = strings.TrimRight(line, "\r\n")
	s.received = append(s.received, line)
	return line
}

func (s *scriptedServer) send(lines ...string) {
	for _, line := range lines {
		fmt.Fprintf(s.conn, "%s\r\n", line)
	}
}

func startServer(t *testing.T, script func(s *scriptedServer)) net.Conn {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	s := &scriptedServer{conn: serverConn, reader: bufio.NewReader(serverConn)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer serverConn.Close()
		s.send("* OK ready")
		script(s)
	}()
	t.Cleanup(func() {
		clientConn.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("scripted server did not finish")
		}
	})
	return clientConn
}

func tagOf(line string) string {
	return strings.Fields(line)[0]
}

func TestIMAPLoginQuotesCredentials(t *testing.T) {
	var loginLine string
	conn := startServer(t, func(s *scriptedServer) {
		loginLine = s.expect(t)
		s.send(tagOf(loginLine) + " OK LOGIN completed")
	})

	c, err := NewIMAPClient(conn)
	require.NoError(t, err)
	require.NoError(t, c.Login("alice@example.com", `pa"ss\word`))

	assert.Equal(t, `a0001 LOGIN "alice@example.com" "pa\"ss\\word"`, loginLine)
}

func TestIMAPSelectReturnsExistsCount(t *testing.T) {
	conn := startServer(t, func(s *scriptedServer) {
		tag := tagOf(s.expect(t))
		s.send(
			"* 3 EXISTS",
			"* 0 RECENT",
			"* OK [UIDVALIDITY 1234] UIDs valid",
			tag+" OK [READ-WRITE] SELECT completed",
		)
	})

	c, err := NewIMAPClient(conn)
	require.NoError(t, err)

	count, err := c.Select("INBOX")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestIMAPSearch(t *testing.T) {
	var commands []string
	conn := startServer(t, func(s *scriptedServer) {
		line := s.expect(t)
		commands = append(commands, line)
		s.send("* SEARCH 1 2 5", tagOf(line)+" OK SEARCH completed")

		line = s.expect(t)
		commands = append(commands, line)
		s.send("* SEARCH", tagOf(line)+" OK SEARCH completed")
	})

	c, err := NewIMAPClient(conn)
	require.NoError(t, err)

	seqs, err := c.Search(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 5}, seqs)

	since := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	seqs, err = c.Search(&since)
	require.NoError(t, err)
	assert.Empty(t, seqs)

	require.Len(t, commands, 2)
	assert.Equal(t, "a0001 SEARCH ALL", commands[0])
	assert.Equal(t, "a0002 SEARCH SINCE 02-Jan-2023", commands[1])
}

func TestIMAPFetchReadsLiteralAcrossWrites(t *testing.T) {
	raw := []byte("Subject: hi\r\n\r\nbody with ) and a0001 inside")

	conn := startServer(t, func(s *scriptedServer) {
		tag := tagOf(s.expect(t))
		fmt.Fprintf(s.conn, "* 1 FETCH (BODY[] {%d}\r\n", len(raw))
		// literal arrives in two socket fragments
		s.conn.Write(raw[:10])
		s.conn.Write(raw[10:])
		s.send(")", tag+" OK FETCH completed")
	})

	c, err := NewIMAPClient(conn)
	require.NoError(t, err)

	body, err := c.Fetch(1)
	require.NoError(t, err)
	assert.Equal(t, raw, body)
}

func TestIMAPNoResponseSurfacesServerText(t *testing.T) {
	conn := startServer(t, func(s *scriptedServer) {
		tag := tagOf(s.expect(t))
		s.send(tag + " NO [AUTHENTICATIONFAILED] invalid credentials")
	})

	c, err := NewIMAPClient(conn)
	require.NoError(t, err)

	err = c.Login("alice@example.com", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestIMAPRejectsBadGreeting(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	go func() {
		fmt.Fprint(serverConn, "* BYE server shutting down\r\n")
		serverConn.Close()
	}()
	defer clientConn.Close()

	_, err := NewIMAPClient(clientConn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected server greeting")
}
