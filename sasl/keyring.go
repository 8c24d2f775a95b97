package sasl

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultContext is the keyring context used by servers that do not
// configure one.
const DefaultContext = "org_freedesktop_general"

const (
	// cookieReuse is how old the newest cookie may be before a
	// server mints a new one.
	cookieReuse = 5 * time.Minute
	// cookieExpire is the age past which cookies are deleted.
	cookieExpire = cookieReuse + 2*time.Minute
	// maxClockSkew is how far in the future a cookie's timestamp may
	// be before it is considered invalid.
	maxClockSkew = 5 * time.Minute

	lockTimeout = time.Second
	lockRetry   = 10 * time.Millisecond
)

// ErrNoCookie is returned when a keyring has no valid cookie with
// the requested ID.
var ErrNoCookie = errors.New("cookie not found in keyring")

// Cookie is a DBUS_COOKIE_SHA1 secret.
type Cookie struct {
	ID      string
	Created time.Time
	// Value is the hex encoded secret.
	Value string
}

// Keyring is a DBUS_COOKIE_SHA1 keyring: a file named after the
// context in a private directory, holding one cookie per line as
// "<id> <unix seconds> <hex secret>".
type Keyring struct {
	// Dir is the keyring directory, normally ~/.dbus-keyrings. It
	// must not be accessible to other users.
	Dir string
	// Context names the keyring file within Dir.
	Context string

	// now, if set, replaces time.Now in tests.
	now func() time.Time
}

// DefaultKeyring returns the keyring for DefaultContext in the
// current user's home directory.
func DefaultKeyring() (*Keyring, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("finding keyring directory: %w", err)
	}
	return &Keyring{
		Dir:     filepath.Join(home, ".dbus-keyrings"),
		Context: DefaultContext,
	}, nil
}

// WithContext returns a copy of k using the given context. Context
// names come from the remote peer, so they are checked for path
// separators and other suspicious characters.
func (k *Keyring) WithContext(context string) (*Keyring, error) {
	if err := validContext(context); err != nil {
		return nil, err
	}
	ret := *k
	ret.Context = context
	return &ret, nil
}

func validContext(context string) error {
	if context == "" || strings.ContainsAny(context, "/\\. \t\r\n") {
		return fmt.Errorf("invalid keyring context %q", context)
	}
	return nil
}

func (k *Keyring) clock() time.Time {
	if k.now != nil {
		return k.now()
	}
	return time.Now()
}

func (k *Keyring) path() string { return filepath.Join(k.Dir, k.Context) }

// checkDir verifies that the keyring directory exists and is private
// to its owner.
func (k *Keyring) checkDir() error {
	fi, err := os.Stat(k.Dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("keyring directory %s is not a directory", k.Dir)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("keyring directory %s has permissions %v, must be 0700", k.Dir, fi.Mode().Perm())
	}
	return nil
}

// Lookup returns the secret of the cookie with the given ID.
func (k *Keyring) Lookup(id string) (string, error) {
	if err := validContext(k.Context); err != nil {
		return "", err
	}
	if err := k.checkDir(); err != nil {
		return "", err
	}
	cookies, err := k.read()
	if err != nil {
		return "", err
	}
	for _, c := range k.valid(cookies) {
		if c.ID == id {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("%w: context %s, id %s", ErrNoCookie, k.Context, id)
}

// Current returns a cookie recent enough for a server to challenge
// clients with, minting and saving a new one if necessary. Expired
// cookies are removed from the keyring.
func (k *Keyring) Current() (Cookie, error) {
	if err := validContext(k.Context); err != nil {
		return Cookie{}, err
	}
	if err := os.MkdirAll(k.Dir, 0o700); err != nil {
		return Cookie{}, err
	}
	if err := k.checkDir(); err != nil {
		return Cookie{}, err
	}
	unlock, err := k.lock()
	if err != nil {
		return Cookie{}, err
	}
	defer unlock()

	cookies, err := k.read()
	if err != nil {
		return Cookie{}, err
	}
	cookies = k.valid(cookies)
	now := k.clock()
	for i := len(cookies) - 1; i >= 0; i-- {
		if now.Sub(cookies[i].Created) < cookieReuse {
			return cookies[i], k.write(cookies)
		}
	}

	c, err := k.mint(cookies, now)
	if err != nil {
		return Cookie{}, err
	}
	cookies = append(cookies, c)
	return c, k.write(cookies)
}

func (k *Keyring) mint(existing []Cookie, now time.Time) (Cookie, error) {
	var id uint32
	for _, c := range existing {
		if n, err := strconv.ParseUint(c.ID, 10, 32); err == nil && uint32(n) > id {
			id = uint32(n)
		}
	}
	secret, err := randomHex(24)
	if err != nil {
		return Cookie{}, err
	}
	return Cookie{
		ID:      strconv.FormatUint(uint64(id)+1, 10),
		Created: now.Truncate(time.Second),
		Value:   secret,
	}, nil
}

// valid filters out expired cookies, and cookies from too far in the
// future.
func (k *Keyring) valid(cookies []Cookie) []Cookie {
	now := k.clock()
	var ret []Cookie
	for _, c := range cookies {
		if c.Created.After(now.Add(maxClockSkew)) || now.Sub(c.Created) > cookieExpire {
			continue
		}
		ret = append(ret, c)
	}
	return ret
}

func (k *Keyring) read() ([]Cookie, error) {
	f, err := os.Open(k.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var ret []Cookie
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) != 3 {
			// Skip garbage lines, like libdbus does.
			continue
		}
		secs, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || secs < 0 {
			continue
		}
		ret = append(ret, Cookie{
			ID:      parts[0],
			Created: time.Unix(secs, 0),
			Value:   parts[2],
		})
	}
	return ret, sc.Err()
}

func (k *Keyring) write(cookies []Cookie) error {
	var b strings.Builder
	for _, c := range cookies {
		fmt.Fprintf(&b, "%s %d %s\n", c.ID, c.Created.Unix(), c.Value)
	}
	tmp := k.path() + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, k.path()); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// lock takes the keyring's lock file. A lock file that cannot be
// taken within lockTimeout is assumed stale and broken.
func (k *Keyring) lock() (unlock func(), err error) {
	path := k.path() + ".lock"
	deadline := time.Now().Add(lockTimeout)
	broke := false
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		if time.Now().After(deadline) {
			if broke {
				return nil, fmt.Errorf("timed out acquiring keyring lock %s", path)
			}
			os.Remove(path)
			broke = true
			deadline = time.Now().Add(lockTimeout)
			continue
		}
		time.Sleep(lockRetry)
	}
}
