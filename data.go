package ftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// formatPORT formats an address for the PORT command.
// Converts "192.168.1.100:50000" to "192,168,1,100,195,80"
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	ip = ip.To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires IPv4 address")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}

	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256), nil
}

// listenActive opens the local listener the server will connect to.
func (c *Client) listenActive() (net.Listener, error) {
	host := c.activeHost
	if host == "" {
		local, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
		if err != nil {
			local = "127.0.0.1"
		}
		host = local
	}

	ln, err := net.Listen("tcp4", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return ln, nil
}

// Retrieve downloads path into w over an active-mode data connection.
// It opens a listener, announces it with PORT, sends RETR and accepts the
// server's connection after the 150 reply. A failure reply that arrives
// before the server connects ends the wait. It returns the number of bytes
// copied.
//
// Example:
//
//	f, _ := os.Create("local.txt")
//	defer f.Close()
//	n, err := client.Retrieve("remote.txt", f)
func (c *Client) Retrieve(path string, w io.Writer) (int64, error) {
	ln, err := c.listenActive()
	if err != nil {
		return 0, err
	}
	defer ln.Close()

	arg, err := formatPORT(ln.Addr().String())
	if err != nil {
		return 0, fmt.Errorf("failed to format PORT command: %w", err)
	}
	if _, err := c.expect2xx("PORT", arg); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand("RETR", path); err != nil {
		return 0, err
	}
	resp, err := c.readReply()
	if err != nil {
		return 0, err
	}
	if !resp.Is1xx() {
		return 0, protocolError("RETR", resp)
	}

	replies := c.watchReply(ln)
	n, copyErr := c.receive(ln, w)
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	r := <-replies
	if r.err != nil {
		return n, errors.Join(copyErr, fmt.Errorf("failed to read completion response: %w", r.err))
	}
	c.logger.Debug("ftp data transfer complete", "code", r.resp.Code, "bytes", n)
	if !r.resp.Is2xx() {
		return n, protocolError("RETR", r.resp)
	}
	return n, copyErr
}

type replyResult struct {
	resp *Response
	err  error
}

// watchReply reads the completion reply while the data connection is being
// accepted. A failure reply closes ln, so a server that gave up on the
// transfer does not leave Accept waiting for its timeout. c.reader must not
// be used until the result has been received.
func (c *Client) watchReply(ln net.Listener) <-chan replyResult {
	_ = c.conn.SetReadDeadline(time.Time{})
	ch := make(chan replyResult, 1)
	go func() {
		resp, err := readResponse(c.reader)
		if err != nil || !resp.Is2xx() {
			ln.Close()
		}
		ch <- replyResult{resp: resp, err: err}
	}()
	return ch
}

// receive accepts the server's data connection and drains it into w.
func (c *Client) receive(ln net.Listener, w io.Writer) (int64, error) {
	if c.timeout > 0 {
		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(c.timeout))
		}
	}
	conn, err := ln.Accept()
	if err != nil {
		return 0, fmt.Errorf("failed to accept data connection: %w", err)
	}
	defer conn.Close()

	var dst io.Writer = w
	if c.progress != nil {
		dst = &progressWriter{w: w, fn: c.progress}
	}
	n, err := io.Copy(dst, &deadlineConn{Conn: conn, timeout: c.timeout})
	if err != nil {
		return n, fmt.Errorf("data transfer: %w", err)
	}
	return n, nil
}

// deadlineConn refreshes the read deadline before every read, so the
// timeout applies to stalls rather than to the whole transfer.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

// progressWriter reports the running total after every write.
type progressWriter struct {
	w     io.Writer
	fn    func(int64)
	total int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.total += int64(n)
	if n > 0 {
		p.fn(p.total)
	}
	return n, err
}
