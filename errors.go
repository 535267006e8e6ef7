package ftp

import "fmt"

// ProtocolError is a reply the client did not expect, together with the
// command that provoked it.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "RETR")
	Command string

	// Response is the message of the reply (e.g., "Not logged in.")
	Response string

	// Code is the numeric FTP response code (e.g., 530)
	Code int
}

func protocolError(command string, resp *Response) *ProtocolError {
	return &ProtocolError{
		Command:  command,
		Response: resp.Message,
		Code:     resp.Code,
	}
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// IsTemporary returns true if the error is a transient failure (4xx),
// such as 425 when the data connection could not be opened.
func (e *ProtocolError) IsTemporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}
