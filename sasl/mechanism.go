package sasl

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Mechanism names.
const (
	MechExternal   = "EXTERNAL"
	MechAnonymous  = "ANONYMOUS"
	MechCookieSHA1 = "DBUS_COOKIE_SHA1"
)

// ClientMechanism is the client half of an authentication mechanism.
type ClientMechanism interface {
	Name() string
	// Initial returns the initial response sent along with AUTH. If
	// ok is false, AUTH is sent with no initial response.
	Initial() (resp []byte, ok bool, err error)
	// Respond answers a challenge sent by the server in a DATA
	// command.
	Respond(challenge []byte) ([]byte, error)
}

// Status is the outcome of a server mechanism step.
type Status int

const (
	// Continue means the mechanism produced a challenge and needs
	// another response from the client.
	Continue Status = iota
	// Accept means the client is authenticated.
	Accept
	// Reject means the client failed to authenticate.
	Reject
)

// ServerMechanism is the server half of an authentication mechanism.
type ServerMechanism interface {
	Name() string
	// NewSession starts authenticating a client with the given
	// socket credentials.
	NewSession(peer Credentials) ServerSession
}

// ServerSession is the server state of one authentication attempt.
type ServerSession interface {
	// Step processes a client response. ok is false if the client
	// sent AUTH without an initial response.
	Step(resp []byte, ok bool) (challenge []byte, st Status, err error)
}

// Credentials are what the server knows about the client from the
// socket itself.
type Credentials struct {
	// UID is the user ID of the peer process, or -1 if unknown.
	UID int
}

// NoCredentials is the Credentials value for transports that cannot
// identify the peer.
var NoCredentials = Credentials{UID: -1}

// External authenticates with the credentials the kernel attaches to
// a unix socket. The client asserts its uid, and the server compares
// it with the socket peer's uid.
type External struct {
	// UID is the uid asserted by the client.
	UID int
}

func (External) Name() string { return MechExternal }

func (e External) Initial() ([]byte, bool, error) {
	return []byte(strconv.Itoa(e.UID)), true, nil
}

func (e External) Respond(challenge []byte) ([]byte, error) {
	// Servers send an empty challenge when the initial response was
	// omitted.
	if len(challenge) != 0 {
		return nil, errors.New("unexpected EXTERNAL challenge")
	}
	return []byte(strconv.Itoa(e.UID)), nil
}

// ExternalServer is the server side of EXTERNAL.
type ExternalServer struct{}

func (ExternalServer) Name() string { return MechExternal }

func (ExternalServer) NewSession(peer Credentials) ServerSession {
	return &externalSession{peer: peer}
}

type externalSession struct {
	peer  Credentials
	asked bool
}

func (s *externalSession) Step(resp []byte, ok bool) ([]byte, Status, error) {
	if !ok {
		if s.asked {
			return nil, Reject, nil
		}
		s.asked = true
		return []byte{}, Continue, nil
	}
	if s.peer.UID < 0 {
		return nil, Reject, nil
	}
	if len(resp) == 0 {
		// Authenticate as whoever the socket says.
		return nil, Accept, nil
	}
	uid, err := strconv.Atoi(string(resp))
	if err != nil || uid != s.peer.UID {
		return nil, Reject, nil
	}
	return nil, Accept, nil
}

// Anonymous authenticates without an identity.
type Anonymous struct {
	// Trace is an optional string sent to the server for logging.
	Trace string
}

func (Anonymous) Name() string { return MechAnonymous }

func (a Anonymous) Initial() ([]byte, bool, error) {
	if a.Trace == "" {
		return nil, false, nil
	}
	return []byte(a.Trace), true, nil
}

func (Anonymous) Respond(challenge []byte) ([]byte, error) {
	return nil, errors.New("unexpected ANONYMOUS challenge")
}

// AnonymousServer is the server side of ANONYMOUS. It accepts every
// client.
type AnonymousServer struct{}

func (AnonymousServer) Name() string { return MechAnonymous }

func (AnonymousServer) NewSession(Credentials) ServerSession { return anonymousSession{} }

type anonymousSession struct{}

func (anonymousSession) Step([]byte, bool) ([]byte, Status, error) {
	return nil, Accept, nil
}

// CookieSHA1 authenticates by proving knowledge of a secret cookie
// stored in the user's keyring directory, which requires the client
// and server to share a home directory.
type CookieSHA1 struct {
	// UID is the uid asserted by the client.
	UID int
	// Keyring is the keyring to look cookies up in. The context
	// named by the server's challenge overrides Keyring.Context.
	Keyring *Keyring
}

func (CookieSHA1) Name() string { return MechCookieSHA1 }

func (c CookieSHA1) Initial() ([]byte, bool, error) {
	return []byte(strconv.Itoa(c.UID)), true, nil
}

func (c CookieSHA1) Respond(challenge []byte) ([]byte, error) {
	fs := strings.Fields(string(challenge))
	if len(fs) != 3 {
		return nil, fmt.Errorf("malformed DBUS_COOKIE_SHA1 challenge %q", challenge)
	}
	context, id, serverChallenge := fs[0], fs[1], fs[2]
	kr := c.Keyring
	if kr == nil {
		var err error
		if kr, err = DefaultKeyring(); err != nil {
			return nil, err
		}
	}
	kr, err := kr.WithContext(context)
	if err != nil {
		return nil, err
	}
	cookie, err := kr.Lookup(id)
	if err != nil {
		return nil, err
	}
	clientChallenge, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	hash := cookieHash(serverChallenge, clientChallenge, cookie)
	return []byte(clientChallenge + " " + hash), nil
}

// CookieSHA1Server is the server side of DBUS_COOKIE_SHA1.
type CookieSHA1Server struct {
	Keyring *Keyring
}

func (CookieSHA1Server) Name() string { return MechCookieSHA1 }

func (c CookieSHA1Server) NewSession(peer Credentials) ServerSession {
	return &cookieSession{kr: c.Keyring, peer: peer}
}

type cookieSession struct {
	kr   *Keyring
	peer Credentials

	challenge string
	cookie    string
}

func (s *cookieSession) Step(resp []byte, ok bool) ([]byte, Status, error) {
	if s.challenge == "" {
		if !ok || len(resp) == 0 {
			return nil, Reject, nil
		}
		uid, err := strconv.Atoi(string(resp))
		if err != nil || (s.peer.UID >= 0 && uid != s.peer.UID) {
			return nil, Reject, nil
		}
		kr := s.kr
		if kr == nil {
			if kr, err = DefaultKeyring(); err != nil {
				return nil, Reject, err
			}
		}
		cookie, err := kr.Current()
		if err != nil {
			return nil, Reject, err
		}
		if s.challenge, err = randomHex(16); err != nil {
			return nil, Reject, err
		}
		s.cookie = cookie.Value
		return []byte(kr.Context + " " + cookie.ID + " " + s.challenge), Continue, nil
	}

	fs := bytes.Fields(resp)
	if len(fs) != 2 {
		return nil, Reject, nil
	}
	want := cookieHash(s.challenge, string(fs[0]), s.cookie)
	if subtle.ConstantTimeCompare([]byte(want), fs[1]) != 1 {
		return nil, Reject, nil
	}
	return nil, Accept, nil
}

func cookieHash(serverChallenge, clientChallenge, cookie string) string {
	h := sha1.Sum([]byte(serverChallenge + ":" + clientChallenge + ":" + cookie))
	return hex.EncodeToString(h[:])
}

func randomHex(n int) (string, error) {
	bs := make([]byte, n)
	if _, err := rand.Read(bs); err != nil {
		return "", err
	}
	return hex.EncodeToString(bs), nil
}
