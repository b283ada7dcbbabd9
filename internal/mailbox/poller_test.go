package mailbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/accfleet/fleetd/internal/model"
)

func verificationMail(code string) string {
	return "From: no-reply@service.example\r\n" +
		"To: ava@mail.example\r\n" +
		"Subject: Your verification code\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Use " + code + " to confirm your login.\r\n"
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "code in body with keyword subject",
			raw:  verificationMail("482913"),
			want: "482913",
		},
		{
			name: "code in subject",
			raw: "From: no-reply@service.example\r\n" +
				"Subject: 771204 is your security code\r\n" +
				"Content-Type: text/plain\r\n\r\nHello.\r\n",
			want: "771204",
		},
		{
			name: "no keyword means no match",
			raw: "From: shop@example.com\r\n" +
				"Subject: Order shipped\r\n" +
				"Content-Type: text/plain\r\n\r\nTracking 123456.\r\n",
			want: "",
		},
		{
			name: "keyword in body only",
			raw: "From: no-reply@service.example\r\n" +
				"Subject: Hello\r\n" +
				"Content-Type: text/plain\r\n\r\nYour security code is 090909.\r\n",
			want: "090909",
		},
		{
			name: "five digits is not a code",
			raw: "From: no-reply@service.example\r\n" +
				"Subject: Your verification code\r\n" +
				"Content-Type: text/plain\r\n\r\nCode: 12345.\r\n",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCode([]byte(tt.raw)); got != tt.want {
				t.Errorf("ExtractCode = %q, want %q", got, tt.want)
			}
		})
	}
}

// fakePOP3 serves a fixed list of messages on a local listener.
func fakePOP3(t *testing.T, messages []string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go servePOP3(conn, messages)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func servePOP3(conn net.Conn, messages []string) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	fmt.Fprintf(conn, "+OK fake ready\r\n")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.Fields(strings.TrimSpace(line))[0])
		switch cmd {
		case "USER", "PASS":
			fmt.Fprintf(conn, "+OK\r\n")
		case "STAT":
			fmt.Fprintf(conn, "+OK %d 0\r\n", len(messages))
		case "RETR":
			var n int
			fmt.Sscanf(strings.TrimSpace(line), "RETR %d", &n)
			if n < 1 || n > len(messages) {
				fmt.Fprintf(conn, "-ERR no such message\r\n")
				continue
			}
			fmt.Fprintf(conn, "+OK\r\n%s.\r\n", messages[n-1])
		case "QUIT":
			fmt.Fprintf(conn, "+OK bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "-ERR unsupported\r\n")
		}
	}
}

func testAccount(host string, port int) model.Account {
	return model.Account{
		ID:              "acct-1",
		Username:        "ava.travels",
		MailboxAddr:     "ava@mail.example",
		MailboxPassword: "pw",
		MailboxHost:     host,
		MailboxPort:     port,
	}
}

func TestFetchCode(t *testing.T) {
	host, port := fakePOP3(t, []string{verificationMail("311975")})
	f := NewFetcher(testAccount(host, port))

	code, err := f.FetchCode(context.Background(), 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("FetchCode: %v", err)
	}
	if code != "311975" {
		t.Errorf("code = %q, want 311975", code)
	}
}

func TestFetchCodeNewestFirstAndNoRepeat(t *testing.T) {
	host, port := fakePOP3(t, []string{
		verificationMail("111111"), // oldest
		verificationMail("222222"), // newest
	})
	f := NewFetcher(testAccount(host, port))
	ctx := context.Background()

	first, err := f.FetchCode(ctx, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("first FetchCode: %v", err)
	}
	if first != "222222" {
		t.Errorf("first code = %q, want newest 222222", first)
	}

	// A rejected code means the caller asks again; the consumed message
	// must be skipped.
	second, err := f.FetchCode(ctx, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("second FetchCode: %v", err)
	}
	if second != "111111" {
		t.Errorf("second code = %q, want 111111", second)
	}
}

func TestFetchCodeExhausted(t *testing.T) {
	host, port := fakePOP3(t, []string{
		"From: shop@example.com\r\nSubject: Order shipped\r\nContent-Type: text/plain\r\n\r\nThanks!\r\n",
	})
	f := NewFetcher(testAccount(host, port))

	code, err := f.FetchCode(context.Background(), 2, time.Millisecond)
	if err != nil {
		t.Fatalf("FetchCode: %v", err)
	}
	if code != "" {
		t.Errorf("code = %q, want absent", code)
	}
}

func TestFetchCodeToleratesConnectFailure(t *testing.T) {
	// Grab a port and close it so connections are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	f := NewFetcher(testAccount("127.0.0.1", port))
	code, err := f.FetchCode(context.Background(), 2, time.Millisecond)
	if err != nil {
		t.Fatalf("connect failures must not surface as errors, got %v", err)
	}
	if code != "" {
		t.Errorf("code = %q, want absent", code)
	}
}

func TestFetchCodeNoMailbox(t *testing.T) {
	f := NewFetcher(model.Account{ID: "acct-1", Username: "u"})
	code, err := f.FetchCode(context.Background(), 5, time.Millisecond)
	if err != nil || code != "" {
		t.Errorf("FetchCode without mailbox = (%q, %v), want empty", code, err)
	}
}

func TestFetchCodeContextCancelled(t *testing.T) {
	host, port := fakePOP3(t, nil)
	f := NewFetcher(testAccount(host, port))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.FetchCode(ctx, 5, time.Second)
	if err == nil {
		t.Error("FetchCode with cancelled context: want error")
	}
}

func TestFetchCodeCancelledOnFinalAttempt(t *testing.T) {
	host, port := fakePOP3(t, []string{verificationMail("311975")})
	f := NewFetcher(testAccount(host, port))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A single attempt leaves no between-attempt pause to notice the
	// cancellation; the failed poll itself must surface it.
	code, err := f.FetchCode(ctx, 1, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if code != "" {
		t.Errorf("code = %q, want absent", code)
	}
}
