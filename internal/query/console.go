package query

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// consoleClient speaks the authenticated text console: one TCP connection
// per command, a LOGIN line first, then the command line. The server writes
// its response and closes the connection.
type consoleClient struct {
	addr    string
	secret  string
	timeout time.Duration
	logger  *zap.Logger
}

func newConsoleClient(host string, port int, secret string, timeout time.Duration, logger *zap.Logger) *consoleClient {
	return &consoleClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		secret:  secret,
		timeout: timeout,
		logger:  logger.Named("console"),
	}
}

// execute runs one console command and returns the raw response text.
func (c *consoleClient) execute(ctx context.Context, command string) (string, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", &TransientError{Op: "console dial", Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	reader := bufio.NewReader(conn)

	if _, err := fmt.Fprintf(conn, "LOGIN %s\n", c.secret); err != nil {
		return "", &TransientError{Op: "console auth write", Err: err}
	}
	ack, err := reader.ReadString('\n')
	if err != nil {
		return "", &TransientError{Op: "console auth read", Err: err}
	}
	switch strings.TrimSpace(ack) {
	case "OK":
	case "DENIED":
		return "", fmt.Errorf("%w: console rejected shared secret", ErrBadCredentials)
	default:
		return "", &ProtocolError{Op: "console auth", Detail: "unexpected reply: " + strings.TrimSpace(ack)}
	}

	start := time.Now()
	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", &TransientError{Op: "console write", Err: err}
	}

	// The server closes the connection after the response; a read deadline
	// with partial output still yields whatever arrived.
	var sb strings.Builder
	if _, err := io.Copy(&sb, reader); err != nil && !errors.Is(err, io.EOF) && sb.Len() == 0 {
		return "", &TransientError{Op: "console read", Err: err}
	}

	c.logger.Debug("Console command",
		zap.String("command", firstWord(command)),
		zap.Duration("duration", time.Since(start)))

	return strings.TrimSpace(sb.String()), nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

// Players runs ShowPlayers and parses the CSV player table.
func (c *consoleClient) Players(ctx context.Context) ([]Player, error) {
	out, err := c.execute(ctx, "ShowPlayers")
	if err != nil {
		return nil, err
	}
	return parsePlayerTable(out), nil
}

// Save issues the force-save command and treats any non-error reply as the
// acknowledgment.
func (c *consoleClient) Save(ctx context.Context) error {
	_, err := c.execute(ctx, "Save")
	return err
}

func (c *consoleClient) Announce(ctx context.Context, message string) error {
	_, err := c.execute(ctx, "Broadcast "+sanitizeArg(message))
	return err
}

func (c *consoleClient) Kick(ctx context.Context, userID string) error {
	_, err := c.execute(ctx, "KickPlayer "+sanitizeArg(userID))
	return err
}

func (c *consoleClient) Shutdown(ctx context.Context, waitSeconds int, message string) error {
	_, err := c.execute(ctx, fmt.Sprintf("Shutdown %d %s", waitSeconds, sanitizeArg(message)))
	return err
}

// sanitizeArg keeps a console argument on one line.
func sanitizeArg(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}

// parsePlayerTable parses the "name,playeruid,steamid" CSV the console
// returns from ShowPlayers. The header line is skipped; blank and malformed
// lines are ignored.
func parsePlayerTable(out string) []Player {
	var players []Player
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i == 0 && strings.HasPrefix(strings.ToLower(line), "name,") {
			continue
		}
		fields := strings.Split(line, ",")
		p := Player{Name: strings.TrimSpace(fields[0])}
		if len(fields) > 1 {
			p.UserID = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 {
			p.AccountID = strings.TrimSpace(fields[2])
		}
		if p.Name == "" {
			continue
		}
		players = append(players, p)
	}
	return players
}
