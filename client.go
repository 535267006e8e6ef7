package ftp

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Client represents an FTP client connection.
type Client struct {
	// conn is the underlying network connection (control channel)
	conn net.Conn

	// reader is a buffered reader for the control channel
	reader *bufio.Reader

	// timeout is the timeout for connecting and for each operation
	timeout time.Duration

	// logger is used for debug logging
	logger *slog.Logger

	// dialer is used to establish connections
	dialer *net.Dialer

	// host and port for the connection
	host string
	port string

	// activeHost is the address the data listener binds to and PORT
	// announces; empty means the control connection's local address
	activeHost string

	// progress is called as retrieved bytes arrive
	progress func(bytesTransferred int64)

	// greeting is the text of the server's 220 banner
	greeting string

	// mu serializes commands on the control channel
	mu sync.Mutex
}

// Dial connects to an FTP server at the given address and reads its
// greeting. The address should be in the form "host:port".
//
// Example:
//
//	client, err := ftp.Dial("127.0.0.1:2121")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
func Dial(addr string, options ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Client{
		host:    host,
		port:    port,
		timeout: 30 * time.Second,
		dialer:  &net.Dialer{},
		logger:  slog.New(slog.DiscardHandler),
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	c.dialer.Timeout = c.timeout

	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	addr := net.JoinHostPort(c.host, c.port)
	c.logger.Debug("connecting to ftp server", "addr", addr)

	conn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	if c.timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	resp, err := readResponse(c.reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	c.logger.Debug("ftp greeting", "code", resp.Code, "message", resp.Message)

	if resp.Code != 220 {
		conn.Close()
		return &ProtocolError{
			Command:  "CONNECT",
			Response: resp.Message,
			Code:     resp.Code,
		}
	}
	c.greeting = resp.Message
	return nil
}

// Greeting returns the message of the server's 220 banner.
func (c *Client) Greeting() string {
	return c.greeting
}

// Login authenticates with the server.
// A server that accepts USER alone (230) is also supported.
func (c *Client) Login(username, password string) error {
	resp, err := c.sendCommand("USER", username)
	if err != nil {
		return err
	}

	if resp.Code == 230 {
		return nil
	}
	if resp.Code != 331 {
		return &ProtocolError{
			Command:  "USER",
			Response: resp.Message,
			Code:     resp.Code,
		}
	}

	_, err = c.expectCode(230, "PASS", password)
	return err
}

// Type sets the transfer type: "A" for ASCII or "I" for image (binary).
func (c *Client) Type(code string) error {
	_, err := c.expect2xx("TYPE", code)
	return err
}

// System returns the server's SYST answer.
func (c *Client) System() (string, error) {
	resp, err := c.expect2xx("SYST")
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Noop sends a NOOP, which is useful for checking that the control
// connection is alive.
func (c *Client) Noop() error {
	_, err := c.expect2xx("NOOP")
	return err
}

// Quote sends a raw command and returns the server's response without
// judging the reply code.
//
// Example:
//
//	resp, err := client.Quote("SYST")
//	fmt.Println(resp.Code, resp.Message)
func (c *Client) Quote(command string, args ...string) (*Response, error) {
	return c.sendCommand(command, args...)
}

// Quit sends QUIT and closes the connection.
func (c *Client) Quit() error {
	if c.conn == nil {
		return nil
	}

	// Ignore errors, we're closing anyway
	_, _ = c.sendCommand("QUIT")

	err := c.conn.Close()
	c.conn = nil
	return err
}
