// Command ha2ha runs the HA2HA human-oversight federation core: an HTTP
// server implementing the protocol's transport surface, plus operator
// subcommands for identity bootstrap, trust inspection, and audit
// verification.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ha2ha/ha2ha-core/internal/audit"
	"github.com/ha2ha/ha2ha-core/internal/breaker"
	"github.com/ha2ha/ha2ha-core/internal/config"
	"github.com/ha2ha/ha2ha-core/internal/contracts"
	"github.com/ha2ha/ha2ha-core/internal/identity"
	"github.com/ha2ha/ha2ha-core/internal/lifecycle"
	"github.com/ha2ha/ha2ha-core/internal/obs"
	"github.com/ha2ha/ha2ha-core/internal/transport"
	"github.com/ha2ha/ha2ha-core/internal/trust"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint: args mirrors os.Args.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "trust":
		return runTrust(args[2:], stdout, stderr)
	case "audit":
		return runAudit(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "ha2ha — human-oversight agent-to-agent federation core")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  ha2ha serve [--config path] [--addr addr] [--session-secret secret]")
	fmt.Fprintln(w, "  ha2ha init --name <display name> --out <keystore path>")
	fmt.Fprintln(w, "  ha2ha trust list --store <path>")
	fmt.Fprintln(w, "  ha2ha trust block --store <path> --peer <id> --reason <text> --by <approver>")
	fmt.Fprintln(w, "  ha2ha audit verify --log <path>")
	fmt.Fprintln(w, "  ha2ha audit recent --log <path> --n <count>")
}

func defaultConfigPath() (string, error) {
	dir, err := config.DefaultAppDir("ha2ha")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("serve")
	cfgPath := fs.String("config", "", "path to config.yaml")
	addr := fs.String("addr", "", "override listen address")
	keystorePath := fs.String("keystore", "", "path to the encrypted identity keystore")
	passphrase := fs.String("passphrase", "", "keystore passphrase (prefer HA2HA_KEYSTORE_PASSPHRASE env var)")
	sessionSecret := fs.String("session-secret", "", "approver session signing secret (prefer HA2HA_SESSION_SECRET env var)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	path := *cfgPath
	if path == "" {
		p, err := defaultConfigPath()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		path = p
	}

	cfg := config.Default()
	if loaded, err := config.Load(path); err == nil {
		cfg = loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("ha2ha: using default config", "reason", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if !cfg.Enabled {
		fmt.Fprintln(stdout, "ha2ha: module disabled in configuration, exiting")
		return 0
	}

	appDir, err := config.DefaultAppDir("ha2ha")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.TrustStore == "" {
		cfg.TrustStore = filepath.Join(appDir, "trust-store", "agents.json")
	}
	if cfg.PendingDir == "" {
		cfg.PendingDir = filepath.Join(appDir, "pending")
	}
	if cfg.AuditLog == "" {
		cfg.AuditLog = filepath.Join(appDir, "audit", "agent.ndjson")
	}
	if cfg.AuditIndex == "" {
		cfg.AuditIndex = filepath.Join(appDir, "audit", "index.sqlite")
	}

	pass := *passphrase
	if pass == "" {
		pass = os.Getenv("HA2HA_KEYSTORE_PASSPHRASE")
	}
	ksPath := *keystorePath
	if ksPath == "" {
		ksPath = filepath.Join(appDir, "identity.keystore")
	}

	self, err := identity.LoadEncrypted(ksPath, pass)
	if err != nil {
		fmt.Fprintf(stderr, "ha2ha: loading identity from %s: %v\n", ksPath, err)
		fmt.Fprintln(stderr, "hint: run `ha2ha init` first")
		return 1
	}

	card, err := self.BuildCard(cfg.ListenAddr, nil, contracts.HA2HAParams{
		SpecVersion:    identity.ProtocolVersion + ".0",
		HumanOversight: true,
		MinTrustLevel:  int(contracts.TrustProvisional),
	}, nil)
	if err != nil {
		fmt.Fprintln(stderr, "ha2ha: building agent card:", err)
		return 1
	}

	tr, err := trust.Open(cfg.TrustStore)
	if err != nil {
		fmt.Fprintln(stderr, "ha2ha: opening trust store:", err)
		return 1
	}
	lc, err := lifecycle.Open(cfg.PendingDir)
	if err != nil {
		fmt.Fprintln(stderr, "ha2ha: opening lifecycle store:", err)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(cfg.AuditIndex), 0o755); err != nil {
		fmt.Fprintln(stderr, "ha2ha: creating audit index directory:", err)
		return 1
	}
	var auditOpts []audit.Option
	auditIndex, err := audit.OpenSQLIndex(context.Background(), cfg.AuditIndex)
	if err != nil {
		fmt.Fprintln(stderr, "ha2ha: opening audit index:", err)
		return 1
	}
	auditOpts = append(auditOpts, audit.WithIndex(auditIndex))

	al, err := audit.Open(cfg.AuditLog, auditOpts...)
	if err != nil {
		fmt.Fprintln(stderr, "ha2ha: opening audit log:", err)
		return 1
	}
	br := breaker.New(breaker.DefaultConfig(), breaker.WithTrustCoupling(tr))

	var sessions *transport.SessionManager
	sessionSecretValue := *sessionSecret
	if sessionSecretValue == "" {
		sessionSecretValue = os.Getenv("HA2HA_SESSION_SECRET")
	}
	if sessionSecretValue != "" {
		sessions = transport.NewSessionManager([]byte(sessionSecretValue), 8*time.Hour)
	} else {
		slog.Warn("ha2ha: no approver session secret configured; approve/reject/escalate will not require a bearer token")
	}

	obsCtx, obsCancel := context.WithCancel(context.Background())
	defer obsCancel()
	telemetry, err := obs.New(obsCtx, obs.Config{
		ServiceName:  "ha2ha-node",
		AgentID:      self.AgentID,
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		SampleRate:   cfg.Telemetry.SampleRate,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		fmt.Fprintln(stderr, "ha2ha: initializing telemetry:", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	srv := &transport.Server{
		Self:       self,
		Card:       card,
		Lifecycle:  lc,
		Trust:      tr,
		Breaker:    br,
		Audit:      al,
		Sessions:   sessions,
		Limiter:    transport.NewAgentRateLimiter(10, 20),
		Idempotent: transport.NewMemoryIdempotencyStore(time.Hour),
		Obs:        telemetry,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ha2ha: listening", "addr", cfg.ListenAddr, "agent_id", self.AgentID)
		errCh <- httpServer.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(stderr, "ha2ha: server error:", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("ha2ha: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(stderr, "ha2ha: shutdown error:", err)
			return 1
		}
	}
	return 0
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("init")
	name := fs.String("name", "", "display name for the new identity")
	out := fs.String("out", "", "keystore output path")
	passphrase := fs.String("passphrase", "", "keystore passphrase (prefer HA2HA_KEYSTORE_PASSPHRASE env var)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if *name == "" {
		fmt.Fprintln(stderr, "ha2ha init: --name is required")
		return 2
	}

	pass := *passphrase
	if pass == "" {
		pass = os.Getenv("HA2HA_KEYSTORE_PASSPHRASE")
	}
	if pass == "" {
		fmt.Fprintln(stderr, "ha2ha init: a passphrase is required (--passphrase or HA2HA_KEYSTORE_PASSPHRASE)")
		return 2
	}

	path := *out
	if path == "" {
		appDir, err := config.DefaultAppDir("ha2ha")
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		path = filepath.Join(appDir, "identity.keystore")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		fmt.Fprintln(stderr, "ha2ha init:", err)
		return 1
	}

	id, err := identity.New(*name)
	if err != nil {
		fmt.Fprintln(stderr, "ha2ha init: generating identity:", err)
		return 1
	}
	if err := id.SaveEncrypted(path, pass); err != nil {
		fmt.Fprintln(stderr, "ha2ha init: saving keystore:", err)
		return 1
	}

	fmt.Fprintf(stdout, "created identity %s (%s) at %s\n", id.AgentID, id.DisplayName, path)
	fmt.Fprintf(stdout, "public key: %s\n", id.PublicKeyHex())
	return 0
}

func runTrust(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: ha2ha trust <list|block|unblock> ...")
		return 2
	}
	sub := args[0]
	fs := newFlagSet("trust " + sub)
	store := fs.String("store", "", "trust store path")
	peer := fs.String("peer", "", "peer id")
	reason := fs.String("reason", "", "reason")
	by := fs.String("by", "operator:cli", "approver id performing the action")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if *store == "" {
		fmt.Fprintln(stderr, "ha2ha trust: --store is required")
		return 2
	}

	tr, err := trust.Open(*store)
	if err != nil {
		fmt.Fprintln(stderr, "ha2ha trust:", err)
		return 1
	}

	switch sub {
	case "list":
		for level := contracts.TrustVerified; level >= contracts.TrustBlocked; level-- {
			for _, p := range tr.ByLevel(level) {
				fmt.Fprintf(stdout, "%-40s %s\n", p, level.Name())
			}
		}
		return 0
	case "block":
		if *peer == "" {
			fmt.Fprintln(stderr, "ha2ha trust block: --peer is required")
			return 2
		}
		if _, err := tr.Block(*peer, *reason, *by); err != nil {
			fmt.Fprintln(stderr, "ha2ha trust block:", err)
			return 1
		}
		fmt.Fprintf(stdout, "blocked %s\n", *peer)
		return 0
	case "unblock":
		if *peer == "" {
			fmt.Fprintln(stderr, "ha2ha trust unblock: --peer is required")
			return 2
		}
		if _, err := tr.Unblock(*peer, *by); err != nil {
			fmt.Fprintln(stderr, "ha2ha trust unblock:", err)
			return 1
		}
		fmt.Fprintf(stdout, "unblocked %s (now UNKNOWN)\n", *peer)
		return 0
	default:
		fmt.Fprintf(stderr, "ha2ha trust: unknown subcommand %q\n", sub)
		return 2
	}
}

func runAudit(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: ha2ha audit <verify|recent> ...")
		return 2
	}
	sub := args[0]
	fs := newFlagSet("audit " + sub)
	logPath := fs.String("log", "", "audit log path")
	n := fs.Int("n", 20, "number of recent entries")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if *logPath == "" {
		fmt.Fprintln(stderr, "ha2ha audit: --log is required")
		return 2
	}

	al, err := audit.Open(*logPath)
	if err != nil {
		fmt.Fprintln(stderr, "ha2ha audit:", err)
		return 1
	}

	switch sub {
	case "verify":
		result := al.Verify()
		if result.Valid {
			fmt.Fprintf(stdout, "chain OK: %d entries\n", al.Len())
			return 0
		}
		fmt.Fprintf(stderr, "chain TAMPERED at entry index %d: %s (%s)\n", result.BrokenAt, result.Message, result.ErrorKind)
		return 1
	case "recent":
		w := bufio.NewWriter(stdout)
		defer w.Flush()
		for _, e := range al.Recent(*n) {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.Sequence, e.Timestamp.Format(time.RFC3339), e.EventType, e.TaskID, e.Outcome)
		}
		return 0
	default:
		fmt.Fprintf(stderr, "ha2ha audit: unknown subcommand %q\n", sub)
		return 2
	}
}
