// Package mailbox fetches one-time verification codes from an account's
// mailbox over POP3. Messages are only read, never deleted from the server.
package mailbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"regexp"
	"strings"
	"time"

	// Register charset decoders for non-UTF-8 messages.
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/accfleet/fleetd/internal/model"
)

const (
	defaultDialTimeout = 30 * time.Second
	// scanNewest bounds how many of the most recent messages are
	// inspected per poll round.
	scanNewest = 8
)

var codePattern = regexp.MustCompile(`\b(\d{6})\b`)

// Subject keywords that mark a verification mail. Matched case-insensitively.
var subjectKeywords = []string{"code", "verify", "verification", "security", "confirm"}

// Fetcher polls one account's mailbox for verification codes. It remembers
// which messages it has already consumed, so a later call returns a fresh
// code instead of re-reading the one the remote service just rejected.
// A Fetcher is scoped to a single login attempt and is not safe for
// concurrent use.
type Fetcher struct {
	acct        model.Account
	dialTimeout time.Duration
	seen        map[string]bool
}

// NewFetcher creates a code fetcher for one account.
func NewFetcher(acct model.Account) *Fetcher {
	return &Fetcher{
		acct:        acct,
		dialTimeout: defaultDialTimeout,
		seen:        make(map[string]bool),
	}
}

// FetchCode polls the mailbox up to maxAttempts times, sleeping delay
// between tries, and returns the first unconsumed verification code found.
// It returns ("", nil) after exhausting attempts; transient connectivity
// errors count as "not found yet" and never abort the loop. The only error
// returned is context cancellation.
func (f *Fetcher) FetchCode(ctx context.Context, maxAttempts int, delay time.Duration) (string, error) {
	if !f.acct.HasMailbox() {
		return "", nil
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		code, err := f.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Printf("WARN: mailbox %s poll %d/%d: %v", f.acct.MailboxAddr, attempt, maxAttempts, err)
		}
		if code != "" {
			log.Printf("INFO: mailbox %s: verification code found (attempt %d/%d)", f.acct.MailboxAddr, attempt, maxAttempts)
			return code, nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	log.Printf("INFO: mailbox %s: no verification code after %d attempts", f.acct.MailboxAddr, maxAttempts)
	return "", nil
}

// poll opens one POP3 session and scans the newest messages for a code.
func (f *Fetcher) poll(ctx context.Context) (string, error) {
	port := f.acct.MailboxPort
	if port == 0 {
		if f.acct.MailboxSSL {
			port = 995
		} else {
			port = 110
		}
	}
	addr := net.JoinHostPort(f.acct.MailboxHost, fmt.Sprintf("%d", port))

	var conn net.Conn
	var err error
	if f.acct.MailboxSSL {
		d := &net.Dialer{Timeout: f.dialTimeout}
		conn, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: f.acct.MailboxHost})
	} else {
		conn, err = net.DialTimeout("tcp", addr, f.dialTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(f.dialTimeout))
	}

	reader := bufio.NewReader(conn)

	// Read greeting.
	if _, err := readPOP3Line(reader); err != nil {
		return "", err
	}

	if err := pop3Command(conn, reader, "USER %s", f.acct.MailboxAddr); err != nil {
		return "", fmt.Errorf("POP3 USER: %w", err)
	}
	if err := pop3Command(conn, reader, "PASS %s", f.acct.MailboxPassword); err != nil {
		return "", fmt.Errorf("POP3 PASS: %w", err)
	}

	count, err := pop3Stat(conn, reader)
	if err != nil {
		return "", fmt.Errorf("POP3 STAT: %w", err)
	}

	// Newest first: codes expire quickly, the latest mail wins.
	low := count - scanNewest + 1
	if low < 1 {
		low = 1
	}
	for i := count; i >= low; i-- {
		select {
		case <-ctx.Done():
			pop3Command(conn, reader, "QUIT")
			return "", ctx.Err()
		default:
		}

		raw, err := pop3Retr(conn, reader, i)
		if err != nil {
			log.Printf("WARN: POP3 RETR %d: %v", i, err)
			continue
		}

		msgHash := hashContent(raw)
		if f.seen[msgHash] {
			continue
		}

		code := ExtractCode(raw)
		if code == "" {
			continue
		}
		f.seen[msgHash] = true
		pop3Command(conn, reader, "QUIT")
		return code, nil
	}

	// QUIT (don't delete anything).
	pop3Command(conn, reader, "QUIT")
	return "", nil
}

// ExtractCode parses a raw message and returns the 6-digit verification
// code it carries, or "" when the message is not a verification mail.
func ExtractCode(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Fall back to a raw scan; some senders emit slightly
		// malformed MIME.
		return matchWithKeywords(string(raw))
	}

	subject, _ := mr.Header.Subject()
	subjectHit := containsKeyword(subject)
	if m := codePattern.FindStringSubmatch(subject); subjectHit && m != nil {
		return m[1]
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if _, ok := p.Header.(*mail.InlineHeader); !ok {
			continue
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		text := string(body)
		if subjectHit {
			if m := codePattern.FindStringSubmatch(text); m != nil {
				return m[1]
			}
			continue
		}
		if code := matchWithKeywords(text); code != "" {
			return code
		}
	}
	return ""
}

// matchWithKeywords requires a keyword near the text before accepting a
// 6-digit match, so order numbers and the like are not mistaken for codes.
func matchWithKeywords(text string) string {
	if !containsKeyword(text) {
		return ""
	}
	if m := codePattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

func containsKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range subjectKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func hashContent(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// --- POP3 protocol helpers ---

func pop3Command(conn net.Conn, reader *bufio.Reader, format string, args ...any) error {
	cmd := fmt.Sprintf(format, args...) + "\r\n"
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return err
	}
	line, err := readPOP3Line(reader)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "+OK") {
		return fmt.Errorf("POP3 error: %s", line)
	}
	return nil
}

func pop3Stat(conn net.Conn, reader *bufio.Reader) (int, error) {
	cmd := "STAT\r\n"
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return 0, err
	}
	line, err := readPOP3Line(reader)
	if err != nil {
		return 0, err
	}
	if !strings.HasPrefix(line, "+OK") {
		return 0, fmt.Errorf("POP3 STAT error: %s", line)
	}
	var count, size int
	fmt.Sscanf(line, "+OK %d %d", &count, &size)
	return count, nil
}

func pop3Retr(conn net.Conn, reader *bufio.Reader, msgNum int) ([]byte, error) {
	cmd := fmt.Sprintf("RETR %d\r\n", msgNum)
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return nil, err
	}
	line, err := readPOP3Line(reader)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "+OK") {
		return nil, fmt.Errorf("POP3 RETR error: %s", line)
	}

	// Read multi-line response until "."
	var data []byte
	for {
		line, err := readPOP3Line(reader)
		if err != nil {
			return data, err
		}
		if line == "." {
			break
		}
		// Byte-stuffed lines starting with ".." -> "."
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		data = append(data, []byte(line+"\r\n")...)
	}
	return data, nil
}

func readPOP3Line(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
