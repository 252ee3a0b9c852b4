package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"facewatch/go-backend/internal/admin"
	"facewatch/go-backend/internal/config"
	"facewatch/go-backend/internal/keymanager"
	"facewatch/go-backend/internal/metrics"
	"facewatch/go-backend/internal/platform/privacylog"
	"facewatch/go-backend/internal/platform/ratelimiter"
	"facewatch/go-backend/internal/securestore"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	exitOK            = 0
	exitInvalidInput  = 10
	exitStorageFailed = 20
	exitAuthFailed    = 30
	exitTamper        = 40
	exitBusy          = 50
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type commonFlags struct {
	configPath      *string
	dataDir         *string
	asJSON          *bool
	metricsTextfile *string
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath:      fs.String("config", "", "path to vault.yaml (optional)"),
		dataDir:         fs.String("data-dir", "", "vault data directory override"),
		asJSON:          fs.Bool("json", false, "emit json"),
		metricsTextfile: fs.String("metrics-textfile", "", "write prometheus textfile metrics to this path"),
	}
}

type vaultRuntime struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	admin    *admin.Manager
	store    *securestore.Store
	keyDir   string
	textfile string
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}

	var code int
	switch os.Args[1] {
	case "init":
		code = runInit(os.Args[2:])
	case "status":
		code = runStatus(os.Args[2:])
	case "unlock":
		code = runUnlock(os.Args[2:])
	case "stats":
		code = runStats(os.Args[2:])
	case "passwd":
		code = runPasswd(os.Args[2:])
	case "enroll":
		code = runEnroll(os.Args[2:])
	case "fingerprint":
		code = runFingerprint(os.Args[2:])
	case "doctor":
		code = runDoctor(os.Args[2:])
	case "version":
		fmt.Printf("vaultctl version=%s commit=%s build_date=%s\n", version, commit, buildDate)
	default:
		printUsage()
		code = exitInvalidInput
	}
	os.Exit(code)
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	rt, err := setup(common)
	if err != nil {
		return fail(err)
	}
	defer rt.flushMetrics()

	initial, err := rt.admin.Initialize()
	if err != nil {
		return fail(err)
	}
	return emit(*common.asJSON, map[string]any{
		"initialized":          true,
		"initial_password":     initial,
		"must_change_password": true,
		"public_key_address":   rt.store.PublicFingerprint(),
	}, "initial password (change it with `vaultctl passwd`):\n%s\n", initial)
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	rt, err := setup(common)
	if err != nil {
		return fail(err)
	}
	defer rt.flushMetrics()

	status, err := rt.admin.Status()
	if err != nil {
		return fail(err)
	}
	return emit(*common.asJSON, status,
		"initialized=%v curve=%s public_key_address=%s data_file=%s\n",
		status.Initialized, status.Curve, status.PublicKeyAddress, status.DataFile)
}

func runUnlock(args []string) int {
	fs := flag.NewFlagSet("unlock", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	rt, err := setup(common)
	if err != nil {
		return fail(err)
	}
	defer rt.flushMetrics()

	password, err := readSecretLines(os.Stdin, 1)
	if err != nil {
		return fail(err)
	}
	doc, err := rt.admin.Unlock(password[0])
	if err != nil {
		return fail(err)
	}
	return emit(*common.asJSON, map[string]any{
		"unlocked":             true,
		"must_change_password": doc.Admin.MustChangePassword,
	}, "unlocked=true must_change_password=%v\n", doc.Admin.MustChangePassword)
}

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	rt, err := setup(common)
	if err != nil {
		return fail(err)
	}
	defer rt.flushMetrics()

	password, err := readSecretLines(os.Stdin, 1)
	if err != nil {
		return fail(err)
	}
	stats, err := rt.admin.Stats(password[0])
	if err != nil {
		return fail(err)
	}
	return emit(*common.asJSON, stats,
		"face_enrolled=%v voice_enrolled=%v must_change_password=%v curve=%s public_key_address=%s\n",
		stats.FaceEnrolled, stats.VoiceEnrolled, stats.MustChangePassword, stats.Curve, stats.PublicKeyAddress)
}

func runPasswd(args []string) int {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	rt, err := setup(common)
	if err != nil {
		return fail(err)
	}
	defer rt.flushMetrics()

	lines, err := readSecretLines(os.Stdin, 2)
	if err != nil {
		return fail(err)
	}
	if err := rt.admin.ChangePassword(lines[0], lines[1]); err != nil {
		return fail(err)
	}
	return emit(*common.asJSON, map[string]any{"password_changed": true}, "password changed\n")
}

func runEnroll(args []string) int {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	common := registerCommon(fs)
	faceFlag := fs.String("face", "", "set face enrollment: true|false")
	voiceFlag := fs.String("voice", "", "set voice enrollment: true|false")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	face, err := optionalBool("face", *faceFlag)
	if err != nil {
		return fail(err)
	}
	voice, err := optionalBool("voice", *voiceFlag)
	if err != nil {
		return fail(err)
	}
	if face == nil && voice == nil {
		return fail(fmt.Errorf("%w: --face or --voice is required", errBadInput))
	}
	rt, err := setup(common)
	if err != nil {
		return fail(err)
	}
	defer rt.flushMetrics()

	password, err := readSecretLines(os.Stdin, 1)
	if err != nil {
		return fail(err)
	}
	if err := rt.admin.SetEnrollment(password[0], face, voice); err != nil {
		return fail(err)
	}
	return emit(*common.asJSON, map[string]any{"updated": true}, "enrollment updated\n")
}

func runFingerprint(args []string) int {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	rt, err := setup(common)
	if err != nil {
		return fail(err)
	}
	defer rt.flushMetrics()

	fp := rt.store.PublicFingerprint()
	return emit(*common.asJSON, map[string]any{
		"public_key_address": fp,
		"curve":              keymanager.CurveName,
	}, "%s\n", fp)
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	rt, err := setup(common)
	if err != nil {
		return fail(err)
	}
	defer rt.flushMetrics()

	report := rt.admin.Doctor(rt.keyDir)
	if *common.asJSON {
		if code := emit(true, report, ""); code != exitOK {
			return code
		}
	} else {
		writeStdoutf("ready=%v checks=%d\n", report.Ready, len(report.Checks))
		for _, c := range report.Checks {
			if c.Pass {
				writeStdoutf("[PASS] %s\n", c.Name)
			} else {
				writeStdoutf("[FAIL] %s: %s\n", c.Name, c.Reason)
			}
		}
	}
	switch {
	case report.Ready:
		return exitOK
	case report.Tampered:
		return exitTamper
	default:
		return exitStorageFailed
	}
}

func setup(common commonFlags) (*vaultRuntime, error) {
	cfg, err := config.LoadFromPathWithDataDir(*common.configPath, *common.dataDir)
	if err != nil {
		return nil, errors.Join(errInvalidConfig, err)
	}
	textfile := strings.TrimSpace(*common.metricsTextfile)
	if textfile == "" {
		textfile = cfg.MetricsTextfile
	}
	logger := newLogger(cfg, os.Stderr)

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return nil, err
	}

	keys, err := keymanager.NewManager(cfg.KeyDir, logger).KeyPair()
	if err != nil {
		return nil, err
	}
	store, err := securestore.New(keys, cfg.DataFile, securestore.Options{
		KDF:     cfg.KDF,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return nil, err
	}
	mgr, err := admin.NewManager(store, admin.Options{
		Limiter: ratelimiter.New(cfg.UnlockPerMinute, cfg.UnlockBurst, 0),
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("vault opened",
		"component", "vaultctl",
		"operation", "setup",
		"data_file", cfg.DataFile,
		"key_dir", cfg.KeyDir,
	)
	return &vaultRuntime{
		logger:   logger,
		registry: registry,
		admin:    mgr,
		store:    store,
		keyDir:   cfg.KeyDir,
		textfile: textfile,
	}, nil
}

func (rt *vaultRuntime) flushMetrics() {
	if err := metrics.WriteTextfile(rt.textfile, rt.registry); err != nil {
		rt.logger.Warn("metrics textfile not written",
			"component", "vaultctl",
			"operation", "metrics",
			"error", err.Error(),
		)
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(privacylog.WrapHandler(h))
}

var errInvalidConfig = errors.New("invalid configuration")

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, securestore.ErrBusy),
		errors.Is(err, admin.ErrPasswordLocked),
		errors.Is(err, admin.ErrRateLimited):
		return exitBusy
	case errors.Is(err, securestore.ErrTamper):
		return exitTamper
	case errors.Is(err, securestore.ErrAuthentication):
		return exitAuthFailed
	case errors.Is(err, errInvalidConfig),
		errors.Is(err, securestore.ErrPasswordRequired),
		errors.Is(err, admin.ErrWeakPassword),
		errors.Is(err, admin.ErrAlreadyInitialized),
		errors.Is(err, admin.ErrNotInitialized),
		errors.Is(err, admin.ErrPasswordChangeRequired),
		errors.Is(err, errBadInput):
		return exitInvalidInput
	default:
		return exitStorageFailed
	}
}

func fail(err error) int {
	_, _ = fmt.Fprintln(os.Stderr, err.Error())
	return exitCodeFor(err)
}

var errBadInput = errors.New("invalid input")

// readSecretLines reads n newline-terminated secrets. Passwords are never
// accepted as flags so they stay out of shell history and ps output.
func readSecretLines(r io.Reader, n int) ([]string, error) {
	br := bufio.NewReader(r)
	out := make([]string, 0, n)
	for len(out) < n {
		line, err := br.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, fmt.Errorf("%w: expected %d password line(s) on stdin", errBadInput, n)
		}
		out = append(out, strings.TrimRight(line, "\r\n"))
	}
	return out, nil
}

func optionalBool(name, raw string) (*bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: --%s must be true or false", errBadInput, name)
	}
	return &v, nil
}

func emit(asJSON bool, v any, format string, args ...any) int {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return exitStorageFailed
		}
		return exitOK
	}
	if _, err := fmt.Fprintf(os.Stdout, format, args...); err != nil {
		return exitStorageFailed
	}
	return exitOK
}

func writeStdoutf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, format, args...)
}

func printUsage() {
	lines := []string{
		"vaultctl <command> [flags]",
		"commands:",
		"  init         [--config path] [--data-dir path] [--json]",
		"  status       [--config path] [--data-dir path] [--json]",
		"  unlock       password on stdin",
		"  stats        password on stdin",
		"  passwd       old and new password on stdin, one per line",
		"  enroll       [--face true|false] [--voice true|false], password on stdin",
		"  fingerprint  print the installation key address",
		"  doctor       check key permissions and document integrity without a password",
		"  version",
		"all commands accept --metrics-textfile path",
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
			return
		}
	}
}
