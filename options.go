package ftp

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Option is a functional option for configuring an FTP client.
type Option func(*Client) error

// WithTimeout sets the timeout for connection and operations.
// This applies to the initial connection, every reply and every stall of
// a data connection.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.timeout = timeout
		return nil
	}
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands and responses will be logged at debug level, with
// passwords masked.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	client, _ := ftp.Dial("127.0.0.1:2121", ftp.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger is nil")
		}
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer for establishing connections.
// This can be used to configure source addresses, keep-alive settings, etc.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		if dialer == nil {
			return fmt.Errorf("dialer is nil")
		}
		c.dialer = dialer
		return nil
	}
}

// WithActiveHost sets the IPv4 address the client listens on for data
// connections and announces with PORT. By default the local address of
// the control connection is used, which is wrong behind NAT.
func WithActiveHost(host string) Option {
	return func(c *Client) error {
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("active host must be an IPv4 address: %q", host)
		}
		c.activeHost = host
		return nil
	}
}

// WithProgress calls fn with the running byte count while Retrieve
// receives data.
func WithProgress(fn func(bytesTransferred int64)) Option {
	return func(c *Client) error {
		c.progress = fn
		return nil
	}
}
