package cmd

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/demarches-simplifiees/git-sign-verifier/internal/buildinfo"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/git"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/gpg"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/keyfetch"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/keys"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/verify"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/watch"
)

// exitInvalidSignature distinguishes a failed verification from
// structural errors so CI gates can tell them apart.
const exitInvalidSignature = 127

// ErrVerificationFailed marks a run where at least one commit was
// judged unauthorized.
var ErrVerificationFailed = errors.New("verification failed")

const usage = `usage: git-sign-verifier <command> [flags]

commands:
  init        create the SIGN_VERIFIED checkpoint tag at HEAD
  verify      verify every commit between the checkpoint and HEAD
  fetch-keys  seed an authorized_keys file from GitHub GPG exports
  version     print version information
`

func Run() error {
	err := run(os.Args[1:])
	if errors.Is(err, ErrVerificationFailed) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalidSignature)
	}
	return err
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "init":
		return runInit(args[1:])
	case "verify":
		return runVerify(args[1:])
	case "fetch-keys":
		return runFetchKeys(args[1:])
	case "version", "-version", "--version":
		fmt.Println(buildinfo.Version())
		return nil
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	directory := fs.String("directory", ".", "path of repository")
	gpgHomeDir := fs.String("gpgme-home-dir", "", "keyring home directory holding trusted and signing keys, relative to the worktree")
	verbose := fs.Bool("verbose", false, "enable verbose logging")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	configureLogging(*verbose)

	runner, _, err := newRunner(*directory, *gpgHomeDir)
	if err != nil {
		return err
	}
	commit, err := runner.Init()
	if err != nil {
		return err
	}
	fmt.Printf("Tag %q initialized on commit:\n%s", git.CheckpointTag, git.FormatCommit(commit))
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	directory := fs.String("directory", ".", "path of repository")
	gpgHomeDir := fs.String("gpgme-home-dir", "", "keyring home directory holding trusted and signing keys, relative to the worktree")
	watchMode := fs.Bool("watch", false, "keep running and re-verify when the repository changes")
	verbose := fs.Bool("verbose", false, "enable verbose logging")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	configureLogging(*verbose)

	if !*watchMode {
		return verifyOnce(*directory, *gpgHomeDir)
	}
	return verifyWatch(*directory, *gpgHomeDir)
}

// verifyOnce performs one verification run and, when everything is
// authorized, advances the checkpoint to HEAD.
func verifyOnce(directory, gpgHomeDir string) error {
	runner, _, err := newRunner(directory, gpgHomeDir)
	if err != nil {
		return err
	}
	report, err := runner.Verify()
	if err != nil {
		return err
	}
	fmt.Print(report.Render())
	if !report.OK() {
		return ErrVerificationFailed
	}
	if report.Head == report.Checkpoint {
		return nil
	}
	if err := runner.Advance(report); err != nil {
		if errors.Is(err, verify.ErrNoSigningKey) {
			slog.Warn("checkpoint not advanced", slog.Any("error", err))
			return nil
		}
		return err
	}
	fmt.Printf("Tag %s moved to %s\n", git.CheckpointTag, report.Head)
	return nil
}

// verifyWatch re-runs verification on repository changes until
// interrupted. Failures are logged rather than terminating the
// process; the checkpoint is never advanced automatically in this
// mode.
func verifyWatch(directory, gpgHomeDir string) error {
	runOnce := func() {
		// A fresh runner per run: the authorized set and result cache
		// must not leak between runs.
		runner, _, err := newRunner(directory, gpgHomeDir)
		if err != nil {
			slog.Error("verification run failed", slog.Any("error", err))
			return
		}
		report, err := runner.Verify()
		if err != nil {
			slog.Error("verification run failed", slog.Any("error", err))
			return
		}
		fmt.Print(report.Render())
	}
	runOnce()

	svc, err := git.Open(directory)
	if err != nil {
		return err
	}
	watcher, err := watch.New(svc.RepoPath(), runOnce)
	if err != nil {
		return err
	}
	defer watcher.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	return nil
}

func runFetchKeys(args []string) error {
	fs := flag.NewFlagSet("fetch-keys", flag.ContinueOnError)
	output := fs.String("output", keys.AuthorizedKeysFile, "file to write the fetched keys to")
	verbose := fs.Bool("verbose", false, "enable verbose logging")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	configureLogging(*verbose)

	users := fs.Args()
	if len(users) == 0 {
		return errors.New("fetch-keys: at least one GitHub user is required")
	}
	document, err := keyfetch.New().Document(users)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*output, document, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *output, err)
	}
	fmt.Printf("Wrote %d user key export(s) to %s\n", len(users), *output)
	return nil
}

// newRunner opens the repository, resolves the keyring home from flag
// or local config, and builds the keyring session.
func newRunner(directory, gpgHomeDir string) (*verify.Runner, *git.Service, error) {
	svc, err := git.Open(directory)
	if err != nil {
		return nil, nil, err
	}
	opts, err := svc.ReadOrUpdateOptions(gpgHomeDir)
	if err != nil {
		return nil, nil, err
	}
	session, err := gpg.NewSession(opts.GPGHomeDir)
	if err != nil {
		return nil, nil, err
	}
	return verify.NewRunner(svc, session), svc, nil
}

func configureLogging(verbose bool) {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
}
