package git

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5/config"
)

const (
	configSection    = "git-sign-verifier"
	configGPGHomeKey = "gpgmehomedir"
)

var ErrNoUserIdentity = errors.New("user.name and user.email are not configured")

// Options is the repository-local configuration of the verifier.
type Options struct {
	// GPGHomeDir is the absolute path of the keyring home directory,
	// or empty when the engine default should be used.
	GPGHomeDir string
}

// ReadOrUpdateOptions returns the verifier options stored in the
// repository's local config. A non-empty gpgHomeDir is first persisted
// as given (it is stored relative to the worktree for portability) and
// then resolved to an absolute path.
func (s *Service) ReadOrUpdateOptions(gpgHomeDir string) (Options, error) {
	cfg, err := s.repo.Config()
	if err != nil {
		return Options{}, fmt.Errorf("read repository config: %w", err)
	}
	if gpgHomeDir != "" {
		cfg.Raw.Section(configSection).SetOption(configGPGHomeKey, gpgHomeDir)
		if err := s.repo.SetConfig(cfg); err != nil {
			return Options{}, fmt.Errorf("write repository config: %w", err)
		}
	} else {
		gpgHomeDir = cfg.Raw.Section(configSection).Option(configGPGHomeKey)
	}
	return Options{GPGHomeDir: s.absPath(gpgHomeDir)}, nil
}

// absPath resolves a worktree-relative path. Paths coming from config
// are relative so a cloned repository keeps working wherever it lives.
func (s *Service) absPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if s.repo.path == "" {
		return path
	}
	return filepath.Join(s.repo.path, path)
}

// UserIdentity returns the configured tagger identity.
func (s *Service) UserIdentity() (name, email string, err error) {
	cfg, err := s.repo.ConfigScoped(config.SystemScope)
	if err != nil {
		return "", "", fmt.Errorf("read repository config: %w", err)
	}
	if cfg.User.Name == "" && cfg.User.Email == "" {
		return "", "", ErrNoUserIdentity
	}
	return cfg.User.Name, cfg.User.Email, nil
}
