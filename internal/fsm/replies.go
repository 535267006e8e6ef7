package fsm

import (
	"fmt"
	"strconv"
)

// Reply is one protocol response line.
type Reply struct {
	Code int
	Text string
}

// String renders the reply in wire form, including the CRLF terminator.
func (r Reply) String() string {
	return strconv.Itoa(r.Code) + " " + r.Text + "\r\n"
}

// Positive reports whether the reply is a preliminary or completion
// reply (1xx, 2xx or 3xx).
func (r Reply) Positive() bool {
	return r.Code >= 100 && r.Code < 400
}

// Reply codes used by the control channel.
const (
	CodeTransferStarting = 150
	CodeOK               = 200
	CodeServiceReady     = 220
	CodeClosing          = 221
	CodeLoggedIn         = 230
	CodeFileActionDone   = 250
	CodeNeedPassword     = 331
	CodeServiceClosing   = 421
	CodeCantOpenData     = 425
	CodeSyntaxError      = 500
	CodeParamError       = 501
	CodeBadSequence      = 503
	CodeNotLoggedIn      = 530
	CodeFileUnavailable  = 550
)

var (
	replyNeedPassword    = Reply{CodeNeedPassword, "Guest access OK, send password."}
	replyLoggedIn        = Reply{CodeLoggedIn, "Guest login OK."}
	replySystem          = Reply{CodeOK, "UNIX Type: L8."}
	replyNoop            = Reply{CodeOK, "Command okay."}
	replyClosing         = Reply{CodeClosing, "Service closing control connection."}
	replyStarting        = Reply{CodeTransferStarting, "File status okay; about to open data connection."}
	replyTransferDone    = Reply{CodeFileActionDone, "Requested file action completed."}
	replyCantOpenData    = Reply{CodeCantOpenData, "Can't open data connection."}
	replyUnrecognized    = Reply{CodeSyntaxError, "Syntax error, command unrecognized."}
	replyParamError      = Reply{CodeParamError, "Syntax error in parameters or arguments."}
	replyIllegalPort     = Reply{CodeParamError, "Illegal PORT command."}
	replyBadSequence     = Reply{CodeBadSequence, "Bad sequence of commands."}
	replyPortFirst       = Reply{CodeBadSequence, "Bad sequence of commands. Use PORT before RETR."}
	replyNotLoggedIn     = Reply{CodeNotLoggedIn, "Not logged in."}
	replyFileUnavailable = Reply{CodeFileUnavailable, "Requested action not taken. File unavailable."}
)

func replyType(code string) Reply {
	return Reply{CodeOK, fmt.Sprintf("Type set to %s.", code)}
}

func replyPort(host string, port int) Reply {
	return Reply{CodeOK, fmt.Sprintf("Port command successful (%s,%d).", host, port)}
}
