package rclone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCommandTimeout bounds one-shot commands such as listremotes.
const DefaultCommandTimeout = 300 * time.Second

// Client runs one-shot rclone commands.
type Client struct {
	builder *Builder
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient creates a new Client around the given builder.
func NewClient(builder *Builder, logger zerolog.Logger) *Client {
	return &Client{
		builder: builder,
		timeout: DefaultCommandTimeout,
		logger:  logger.With().Str("component", "rclone").Logger(),
	}
}

// Version returns the first line of "rclone version".
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "version")
	if err != nil {
		return "", fmt.Errorf("rclone version: %w", err)
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(first), nil
}

// ListRemotes returns the configured remote names without the trailing colon.
func (c *Client) ListRemotes(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "listremotes")
	if err != nil {
		return nil, fmt.Errorf("list remotes: %w", err)
	}
	var remotes []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSuffix(strings.TrimSpace(line), ":")
		if line != "" {
			remotes = append(remotes, line)
		}
	}
	return remotes, nil
}

// CheckRemote lists the top level of a remote to verify it is reachable.
func (c *Client) CheckRemote(ctx context.Context, remote string) error {
	if err := ValidateRemoteName(remote); err != nil {
		return err
	}
	if _, err := c.run(ctx, "lsd", remote+":", "--max-depth=1"); err != nil {
		return fmt.Errorf("check remote %s: %w", remote, err)
	}
	return nil
}

// run executes an rclone command and returns stdout.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	inv := c.builder.Command(args...)
	cmd := exec.CommandContext(ctx, inv.Binary, inv.Args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug().
		Str("command", inv.Binary).
		Strs("args", inv.Redacted()).
		Msg("executing rclone command")

	if err := cmd.Run(); err != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = stdout.String()
		}
		return nil, fmt.Errorf("%w: %s", err, RedactText(strings.TrimSpace(errMsg)))
	}

	return stdout.Bytes(), nil
}

// logLine is a line written by rclone with --use-json-log.
type logLine struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

// LogMessage returns the human readable part of a log line. JSON log lines
// are reduced to "level: msg"; anything else is returned trimmed.
func LogMessage(line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return line
	}
	var l logLine
	if err := json.Unmarshal([]byte(line), &l); err != nil || l.Msg == "" {
		return line
	}
	msg := strings.TrimSpace(l.Msg)
	if l.Level == "" {
		return msg
	}
	return l.Level + ": " + msg
}
