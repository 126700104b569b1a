package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissing = errors.New("no access token")
	ErrExpired = errors.New("access token expired")
)

// Source hands out the current bearer token. Tokens are issued by the
// marketplace's session management; this package only reads them.
type Source interface {
	Token() (string, error)
}

// Static is a fixed token, mostly for tests and one-shot CLI use.
type Static string

func (s Static) Token() (string, error) {
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrMissing
	}
	return tok, nil
}

// FileSource reads the token from a file, re-reading it when the file changes
// so a session refresh written by another process is picked up.
type FileSource struct {
	path string

	mu      sync.Mutex
	cached  string
	modTime time.Time
}

// NewFileSource returns a Source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Token() (string, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrMissing
	}
	if err != nil {
		return "", fmt.Errorf("stat token file: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != "" && info.ModTime().Equal(f.modTime) {
		return f.cached, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrMissing
	}
	f.cached, f.modTime = tok, info.ModTime()
	return tok, nil
}

// Claims is what the client can learn from a token without verifying it.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	Opaque    bool
}

// Inspect decodes a JWT without verifying its signature; verification is the
// backend's job. Non-JWT tokens are reported as Opaque.
func Inspect(token string) Claims {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{Opaque: true}
	}
	c := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c
}

// Check fetches the current token and rejects it when missing or past its
// expiry. Opaque tokens pass; the server has the final word.
func Check(src Source, now time.Time) (string, error) {
	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	c := Inspect(tok)
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return "", ErrExpired
	}
	return tok, nil
}
