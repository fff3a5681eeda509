// Package keyfetch seeds an authorized_keys document from the public
// GPG key exports GitHub serves for each user. It has no verification
// semantics; it only gathers key material for the operator to commit.
package keyfetch

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://github.com"

type Fetcher struct {
	// BaseURL is overridable for tests.
	BaseURL string
	Client  *http.Client
}

func New() *Fetcher {
	return &Fetcher{
		BaseURL: defaultBaseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Document downloads the GPG key export of every user and concatenates
// them into an authorized_keys document, one commented header per
// user.
func (f *Fetcher) Document(users []string) ([]byte, error) {
	var b strings.Builder
	for _, user := range users {
		url := fmt.Sprintf("%s/%s.gpg", f.BaseURL, user)
		export, err := f.fetch(url)
		if err != nil {
			return nil, fmt.Errorf("fetch keys for %s: %w", user, err)
		}
		if !strings.Contains(export, "-----BEGIN PGP PUBLIC KEY BLOCK-----") {
			return nil, fmt.Errorf("fetch keys for %s: %s returned no public key block", user, url)
		}
		fmt.Fprintf(&b, "# %s (%s)\n", user, url)
		b.WriteString(strings.TrimRight(export, "\n"))
		b.WriteString("\n\n")
	}
	return []byte(b.String()), nil
}

func (f *Fetcher) fetch(url string) (string, error) {
	resp, err := f.Client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
