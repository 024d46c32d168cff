package flow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oauthlab/oidcflow/oidc"
)

// Credentials is the per-flow OAuth client configuration.  A zero field
// means "not set for this flow": Load fills the shareable fields (issuer,
// environment id, client id) from the cross-flow shared record when the
// flow hasn't set its own.
type Credentials struct {
	IssuerURL        string
	EnvironmentID    string
	ClientID         string
	ClientSecret     oidc.ClientSecret
	RedirectURI      string
	Scopes           []string
	ClientAuthMethod oidc.ClientAuthMethod
	ResponseType     string
	GrantType        string
}

// persistedCredentials is the storage form of Credentials.  Unlike the
// redacted types used everywhere else, it carries the client secret in
// clear: the Storer is the one place the secret round-trips.
type persistedCredentials struct {
	IssuerURL        string   `json:"issuer_url,omitempty"`
	EnvironmentID    string   `json:"environment_id,omitempty"`
	ClientID         string   `json:"client_id,omitempty"`
	ClientSecret     string   `json:"client_secret,omitempty"`
	RedirectURI      string   `json:"redirect_uri,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	ClientAuthMethod string   `json:"client_auth_method,omitempty"`
	ResponseType     string   `json:"response_type,omitempty"`
	GrantType        string   `json:"grant_type,omitempty"`

	// UpdatedAt is set on every write and drives staleness checks.
	UpdatedAt time.Time `json:"updated_at"`
}

func (p persistedCredentials) credentials() Credentials {
	return Credentials{
		IssuerURL:        p.IssuerURL,
		EnvironmentID:    p.EnvironmentID,
		ClientID:         p.ClientID,
		ClientSecret:     oidc.ClientSecret(p.ClientSecret),
		RedirectURI:      p.RedirectURI,
		Scopes:           append([]string{}, p.Scopes...),
		ClientAuthMethod: oidc.ClientAuthMethod(p.ClientAuthMethod),
		ResponseType:     p.ResponseType,
		GrantType:        p.GrantType,
	}
}

const (
	credKeyPrefix  = "creds/"
	sharedCredsKey = "creds-shared"
)

// Store persists per-flow Credentials through a Storer and propagates the
// shareable fields across flows.  Writes are last-writer-wins at the field
// level: saving a partial Credentials only overwrites the fields it sets.
type Store struct {
	storer  Storer
	nowFunc func() time.Time
	mu      sync.Mutex
}

// NewStore creates a credential Store on top of the given Storer.
//
// Supported options: WithNowFunc
func NewStore(storer Storer, opt ...Option) (*Store, error) {
	const op = "flow.NewStore"
	if storer == nil {
		return nil, fmt.Errorf("%s: storer is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getOpts(opt...)
	return &Store{
		storer:  storer,
		nowFunc: opts.withNowFunc,
	}, nil
}

func (s *Store) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

// read unmarshals the record at key.  Malformed persisted JSON is treated
// as an absent record, never surfaced to the caller.
func (s *Store) read(key string) (persistedCredentials, bool, error) {
	raw, ok, err := s.storer.Get(key)
	if err != nil {
		return persistedCredentials{}, false, err
	}
	if !ok {
		return persistedCredentials{}, false, nil
	}
	var p persistedCredentials
	if err := json.Unmarshal(raw, &p); err != nil {
		return persistedCredentials{}, false, nil
	}
	return p, true, nil
}

func (s *Store) write(key string, p persistedCredentials) error {
	p.UpdatedAt = s.now()
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.storer.Set(key, raw)
}

// Load reads the credentials for flowKey.  Shareable fields (issuer,
// environment id, client id) the flow hasn't set are filled from the shared
// cross-flow record; a flow's own values are never overwritten.  The bool
// reports whether anything was found for the flow at all.
func (s *Store) Load(flowKey string) (Credentials, bool, error) {
	const op = "Store.Load"
	if flowKey == "" {
		return Credentials{}, false, fmt.Errorf("%s: missing flow key: %w", op, oidc.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, found, err := s.read(credKeyPrefix + flowKey)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("%s: %w", op, err)
	}
	shared, sharedFound, err := s.read(sharedCredsKey)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if sharedFound {
		if p.IssuerURL == "" {
			p.IssuerURL = shared.IssuerURL
		}
		if p.EnvironmentID == "" {
			p.EnvironmentID = shared.EnvironmentID
		}
		if p.ClientID == "" {
			p.ClientID = shared.ClientID
		}
	}
	if !found && !sharedFound {
		return Credentials{}, false, nil
	}
	return p.credentials(), found, nil
}

// Save merges the set fields of partial into flowKey's record and updates
// the shared cross-flow record's issuer, environment id and client id from
// the result.  Zero fields in partial leave the existing values alone.
func (s *Store) Save(flowKey string, partial Credentials) error {
	const op = "Store.Save"
	if flowKey == "" {
		return fmt.Errorf("%s: missing flow key: %w", op, oidc.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, _, err := s.read(credKeyPrefix + flowKey)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if partial.IssuerURL != "" {
		p.IssuerURL = partial.IssuerURL
	}
	if partial.EnvironmentID != "" {
		p.EnvironmentID = partial.EnvironmentID
	}
	if partial.ClientID != "" {
		p.ClientID = partial.ClientID
	}
	if partial.ClientSecret != "" {
		p.ClientSecret = string(partial.ClientSecret)
	}
	if partial.RedirectURI != "" {
		p.RedirectURI = partial.RedirectURI
	}
	if len(partial.Scopes) > 0 {
		p.Scopes = append([]string{}, partial.Scopes...)
	}
	if partial.ClientAuthMethod != "" {
		p.ClientAuthMethod = string(partial.ClientAuthMethod)
	}
	if partial.ResponseType != "" {
		p.ResponseType = partial.ResponseType
	}
	if partial.GrantType != "" {
		p.GrantType = partial.GrantType
	}
	if err := s.write(credKeyPrefix+flowKey, p); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	shared, _, err := s.read(sharedCredsKey)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	changed := false
	if p.IssuerURL != "" && p.IssuerURL != shared.IssuerURL {
		shared.IssuerURL = p.IssuerURL
		changed = true
	}
	if p.EnvironmentID != "" && p.EnvironmentID != shared.EnvironmentID {
		shared.EnvironmentID = p.EnvironmentID
		changed = true
	}
	if p.ClientID != "" && p.ClientID != shared.ClientID {
		shared.ClientID = p.ClientID
		changed = true
	}
	if changed {
		if err := s.write(sharedCredsKey, shared); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// Clear removes flowKey's record.  The shared cross-flow record is left
// alone.
func (s *Store) Clear(flowKey string) error {
	const op = "Store.Clear"
	if flowKey == "" {
		return fmt.Errorf("%s: missing flow key: %w", op, oidc.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storer.Remove(credKeyPrefix + flowKey); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// UpdatedAt returns when flowKey's record was last written.  The bool
// reports whether a record exists.
func (s *Store) UpdatedAt(flowKey string) (time.Time, bool, error) {
	const op = "Store.UpdatedAt"
	if flowKey == "" {
		return time.Time{}, false, fmt.Errorf("%s: missing flow key: %w", op, oidc.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok, err := s.read(credKeyPrefix + flowKey)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	return p.UpdatedAt, true, nil
}
