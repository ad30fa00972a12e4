package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StaticBackend resolves users from an in-memory table. It backs local and
// test deployments where no directory service is available.
type StaticBackend struct {
	users map[string]UserRecord
}

// NewStaticBackend builds a backend from a list of user records keyed by
// username.
func NewStaticBackend(users []UserRecord) *StaticBackend {
	m := make(map[string]UserRecord, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	return &StaticBackend{users: m}
}

// Resolve returns the record for username. Unknown users come back as a
// zero record, not an error: a missing user is an invalid credential, not
// a backend failure.
func (b *StaticBackend) Resolve(_ context.Context, username string) (UserRecord, error) {
	return b.users[username], nil
}

// HTTPBackend resolves users from an external directory service over HTTP.
type HTTPBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPBackend builds a directory client. token, when set, is sent as a
// bearer credential on every request.
func NewHTTPBackend(baseURL, token string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Resolve fetches the user record for username. A 404 comes back as a zero
// record with no error; transport failures and 5xx responses are errors, so
// the cache reports them as a backend outage rather than a bad credential.
func (b *HTTPBackend) Resolve(ctx context.Context, username string) (UserRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/users/"+username, nil)
	if err != nil {
		return UserRecord{}, err
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return UserRecord{}, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return UserRecord{}, nil
	case resp.StatusCode >= 400:
		return UserRecord{}, fmt.Errorf("directory returned %d", resp.StatusCode)
	}

	var record UserRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return UserRecord{}, fmt.Errorf("decoding directory response: %w", err)
	}
	return record, nil
}
