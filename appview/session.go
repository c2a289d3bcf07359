package appview

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chcolte/bluesky-feedgen-go/logger"
)

// ErrNoCredentials is returned when an authenticated call is attempted
// without an identifier/app-password pair configured.
var ErrNoCredentials = errors.New("appview: no credentials configured")

var httpClientAuth = &http.Client{
	Timeout: 15 * time.Second,
}

// Session holds the authenticated state against a PDS/AppView. Callers own
// the session explicitly; there is no ambient global login.
type Session struct {
	service    string
	identifier string
	password   string

	mu         sync.Mutex
	did        string
	accessJwt  string
	refreshJwt string
}

// NewSession creates a Session. It does not talk to the network; the first
// Token call performs the actual login.
func NewSession(service, identifier, password string) *Session {
	return &Session{
		service:    service,
		identifier: identifier,
		password:   password,
	}
}

// Token returns a valid access JWT, logging in on first use.
func (s *Session) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identifier == "" || s.password == "" {
		return "", ErrNoCredentials
	}
	if s.accessJwt != "" {
		return s.accessJwt, nil
	}
	if err := s.createSessionLocked(); err != nil {
		return "", err
	}
	return s.accessJwt, nil
}

// Invalidate drops the cached access token so the next Token call
// re-authenticates. Called by the client on a 401 response.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessJwt = ""
}

// DID returns the authenticated actor's DID (empty before first login).
func (s *Session) DID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.did
}

// createSessionLocked performs com.atproto.server.createSession.
// Caller must hold s.mu.
func (s *Session) createSessionLocked() error {
	sessionURL := fmt.Sprintf("%s/xrpc/com.atproto.server.createSession", serviceURL(s.service))

	body, err := json.Marshal(map[string]string{
		"identifier": s.identifier,
		"password":   s.password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", sessionURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClientAuth.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("createSession failed with status %d", resp.StatusCode)
	}

	var sess sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return fmt.Errorf("failed to decode session response: %w", err)
	}

	s.did = sess.DID
	s.accessJwt = sess.AccessJwt
	s.refreshJwt = sess.RefreshJwt
	logger.Infof("Authenticated as %s (%s)", sess.Handle, sess.DID)
	return nil
}
