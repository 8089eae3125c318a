package taskproto

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"time"
)

const (
	authTimeout       = time.Second * 30
	authChallengeSize = 32

	authRejected byte = 0
	authAccepted byte = 1
)

var (
	ErrBadAuth = errors.New("bad authentication credentials")
)

// NewMasterConnAuth creates the master side of a Conn after
// checking that the worker knows the password.
// It returns ErrBadAuth if the other end does not know the
// correct password.
// An empty password skips the handshake entirely, so both
// ends must agree on whether one is in use.
// If the handshake fails for any reason, c is closed.
func NewMasterConnAuth(c net.Conn, password string) (Conn, error) {
	if password != "" {
		if err := sendChallenge(0, c, password); err != nil {
			return nil, err
		}
		if err := handleChallenge(1, c, password); err != nil {
			return nil, err
		}
	}
	return NewMasterConn(c)
}

// NewWorkerConnAuth is the worker counterpart of
// NewMasterConnAuth.
func NewWorkerConnAuth(c net.Conn, password string) (Conn, error) {
	if password != "" {
		if err := handleChallenge(0, c, password); err != nil {
			return nil, err
		}
		if err := sendChallenge(1, c, password); err != nil {
			return nil, err
		}
	}
	return NewWorkerConn(c)
}

// sendChallenge makes the other end prove it knows the
// password.
func sendChallenge(seq int, c net.Conn, password string) (err error) {
	defer closeOnError(c, &err)
	c.SetDeadline(time.Now().Add(authTimeout))

	challenge := make([]byte, authChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}
	if _, err := c.Write(challenge); err != nil {
		return err
	}
	response := make([]byte, sha512.Size)
	if _, err := io.ReadFull(c, response); err != nil {
		return err
	}

	expected := challengeResponse(seq, challenge, password)
	if subtle.ConstantTimeCompare(response, expected) != 1 {
		c.Write([]byte{authRejected})
		return ErrBadAuth
	}
	if _, err := c.Write([]byte{authAccepted}); err != nil {
		return err
	}
	return c.SetDeadline(time.Time{})
}

// handleChallenge answers a challenge from sendChallenge
// and reads the verdict.
func handleChallenge(seq int, c net.Conn, password string) (err error) {
	defer closeOnError(c, &err)
	c.SetDeadline(time.Now().Add(authTimeout))

	challenge := make([]byte, authChallengeSize)
	if _, err := io.ReadFull(c, challenge); err != nil {
		return err
	}
	if _, err := c.Write(challengeResponse(seq, challenge, password)); err != nil {
		return err
	}
	var verdict [1]byte
	if _, err := io.ReadFull(c, verdict[:]); err != nil {
		return err
	}
	if verdict[0] != authAccepted {
		return ErrBadAuth
	}
	return c.SetDeadline(time.Time{})
}

// challengeResponse hashes the direction before the
// password and challenge, so that an answer given by the
// worker is never valid for the master's challenge.
func challengeResponse(seq int, challenge []byte, password string) []byte {
	h := sha512.New()
	h.Write([]byte{byte(seq)})
	h.Write([]byte(password))
	h.Write(challenge)
	return h.Sum(nil)
}

func closeOnError(c net.Conn, err *error) {
	if *err != nil {
		c.Close()
	}
}
