package ftp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Response represents an FTP server response.
type Response struct {
	// Code is the three-digit response code (e.g., 220, 550)
	Code int

	// Message is the human-readable message from the server
	Message string

	// Lines contains all lines of the response (for multi-line responses)
	Lines []string
}

// Is1xx returns true for preliminary replies, such as 150 before a transfer.
func (r *Response) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the response code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// String returns the full response as a string.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

// readResponse reads a complete FTP response from the reader.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	"220 Ready\r\n"
func readResponse(r *bufio.Reader) (*Response, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	code, sep, err := splitStatus(line)
	if err != nil {
		return nil, err
	}

	resp := &Response{Code: code, Lines: []string{line}}
	if sep == ' ' {
		resp.Message = line[4:]
		return resp, nil
	}

	message := []string{line[4:]}
	for {
		line, err := readLine(r)
		if err == io.EOF {
			return nil, fmt.Errorf("unexpected EOF reading response")
		}
		if err != nil {
			return nil, err
		}
		resp.Lines = append(resp.Lines, line)

		if c, sep, err := splitStatus(line); err == nil && c == code {
			message = append(message, line[4:])
			if sep == ' ' {
				break
			}
			continue
		}
		message = append(message, strings.TrimPrefix(line, " "))
	}
	resp.Message = strings.Join(message, "\n")
	return resp, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// splitStatus parses the "NNN " or "NNN-" prefix of a reply line.
func splitStatus(line string) (int, byte, error) {
	if len(line) < 4 {
		return 0, 0, fmt.Errorf("invalid response line: %q", line)
	}
	code, err := strconv.Atoi(line[0:3])
	if err != nil || code < 100 || code > 599 {
		return 0, 0, fmt.Errorf("invalid response code: %q", line[0:3])
	}
	if line[3] != ' ' && line[3] != '-' {
		return 0, 0, fmt.Errorf("invalid response format: %q", line)
	}
	return code, line[3], nil
}

// sendCommand sends an FTP command and returns the response.
func (c *Client) sendCommand(command string, args ...string) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand(command, args...); err != nil {
		return nil, err
	}
	return c.readReply()
}

func (c *Client) writeCommand(command string, args ...string) error {
	cmd := command
	if len(args) > 0 {
		cmd = command + " " + strings.Join(args, " ")
	}

	if command == "PASS" {
		c.logger.Debug("ftp command", "cmd", "PASS ***")
	} else {
		c.logger.Debug("ftp command", "cmd", cmd)
	}

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return nil
}

func (c *Client) readReply() (*Response, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	resp, err := readResponse(c.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("ftp response", "code", resp.Code, "message", resp.Message)
	return resp, nil
}

// expectCode sends a command and verifies the response code matches the expected code.
func (c *Client) expectCode(expectedCode int, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}

	if resp.Code != expectedCode {
		return resp, protocolError(command, resp)
	}
	return resp, nil
}

// expect2xx sends a command and verifies the response is in the 2xx range (success).
func (c *Client) expect2xx(command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}

	if !resp.Is2xx() {
		return resp, protocolError(command, resp)
	}
	return resp, nil
}
