// Package ftp implements a minimal active-mode FTP client.
//
// # Overview
//
// The client speaks the small command set of the guestftp server: USER,
// PASS, TYPE, PORT, RETR, SYST, NOOP and QUIT. Downloads use active mode:
// the client listens on a local port, announces it with PORT and the
// server connects back to deliver the file.
//
// # Basic Usage
//
//	client, err := ftp.Dial("127.0.0.1:2121")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
//
//	if err := client.Login("anonymous", "guest@"); err != nil {
//	    log.Fatal(err)
//	}
//
//	var buf bytes.Buffer
//	if _, err := client.Retrieve("readme.txt", &buf); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Handling
//
// Unexpected replies are returned as *ProtocolError, which carries the
// command, the reply code and the server's message:
//
//	var pe *ftp.ProtocolError
//	if errors.As(err, &pe) && pe.Code == 550 {
//	    // no such file
//	}
//
// Use Quote to send a command and inspect the reply without judging it.
package ftp
