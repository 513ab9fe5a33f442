package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"google.golang.org/api/option"

	"github.com/oscarsailing/scontrini/internal/app"
	"github.com/oscarsailing/scontrini/internal/bundle"
	"github.com/oscarsailing/scontrini/internal/drive"
	"github.com/oscarsailing/scontrini/internal/folders"
	"github.com/oscarsailing/scontrini/internal/netx"
	"github.com/oscarsailing/scontrini/internal/quality"
	"github.com/oscarsailing/scontrini/internal/session"
	"github.com/oscarsailing/scontrini/internal/store"
	"github.com/oscarsailing/scontrini/internal/upload"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// parseUsers turns "papa=Papà,tiziana=Tiziana" into the user registry.
func parseUsers(spec string) ([]store.User, error) {
	var users []store.User
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, label, ok := strings.Cut(part, "=")
		if !ok || id == "" || label == "" {
			return nil, fmt.Errorf("invalid user spec %q (want id=Label)", part)
		}
		users = append(users, store.User{ID: id, Label: label})
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("at least one user is required")
	}
	return users, nil
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("scontrini")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "scontrini.db", "Database file path")
		clientID    = fs.StringLong("client-id", "", "Google OAuth 2.0 client ID")
		redirectURI = fs.StringLong("redirect-uri", "http://localhost:8080/", "OAuth redirect URI registered for the client")
		rootFolder  = fs.StringLong("root-folder", "Scontrini", "Name of the Drive root folder")
		usersSpec   = fs.StringLong("users", "papa=Papà,tiziana=Tiziana", "User registry as id=Label pairs, comma separated")
		accountant  = fs.StringLong("accountant", "", "Accountant email hint, persisted for the UI")
		maxHistory  = fs.IntLong("max-history", 40, "Maximum retained history entries")
		maxQueue    = fs.IntLong("max-queue", 30, "Maximum retained offline queue items")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SCONTRINI"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	users, err := parseUsers(*usersSpec)
	if err != nil {
		slog.Error("Invalid users flag", "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := store.NewBoltDB(*dbPath, *maxHistory, *maxQueue)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// A persisted magic-link override wins over the flag.
	effectiveClientID := *clientID
	if stored, err := db.ConfigValue(app.ConfigClientID); err == nil && stored != "" {
		effectiveClientID = stored
	}
	if effectiveClientID == "" {
		slog.Error("Google OAuth client ID is required. Set --client-id or SCONTRINI_CLIENT_ID")
		os.Exit(1)
	}
	if *accountant != "" {
		if err := db.PutConfigValue(app.ConfigAccountant, *accountant); err != nil {
			slog.Warn("Failed to persist accountant email", "error", err)
		}
	}

	// Initialize session manager and Drive client
	sessions := session.NewManager(effectiveClientID, *redirectURI)

	ctx := context.Background()
	remote, err := drive.NewGoogleDrive(ctx, option.WithTokenSource(sessions))
	if err != nil {
		slog.Error("Failed to initialize Drive client", "error", err)
		os.Exit(1)
	}

	// Initialize the pipeline
	resolver := folders.NewResolver(remote, db, *rootFolder)
	gate := quality.NewHeuristicGate()
	online := netx.NewDialProbe()
	orchestrator := upload.NewOrchestrator(sessions, resolver, remote, db, gate, online, users)
	workflow := bundle.NewWorkflow(db, remote, resolver, users)

	// Initialize server
	basicAuth := app.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := app.NewServer(orchestrator, workflow, db, sessions, basicAuth)

	// Drain leftovers from a previous run once a session shows up; at
	// startup the token is not there yet, so this only logs the backlog.
	if n, err := db.QueueLen(); err == nil && n > 0 {
		slog.Info("Offline queue has pending photos", "queue_len", n)
		if sessions.Valid() {
			go func() {
				if err := orchestrator.Drain(ctx); err != nil {
					slog.Warn("Startup queue drain stopped", "error", err)
				}
			}()
		}
	}

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "users", *usersSpec)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
