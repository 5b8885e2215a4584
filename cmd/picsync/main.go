package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/term"

	"github.com/picorca/picsync/internal/cli"
	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/internal/node"
	"github.com/picorca/picsync/internal/store"
	"github.com/picorca/picsync/internal/store/boltdb"
	"github.com/picorca/picsync/internal/store/sqlite"
	"github.com/picorca/picsync/pkg/ticket"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// namespaceContext domain separator for deriving the dataset id from the
// seed secret, so a seed restarted from the same secret republishes the
// same dataset.
const namespaceContext = "picsync.namespace.v1:"

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	secretFlag := flag.String("secret", "", "Node secret: hex string or [1,2,3,...] array")
	passphrase := flag.Bool("passphrase", false, "Derive the node secret from an interactive passphrase")
	storagePath := flag.String("storage", ".", "Path where storage directories are created")
	dbDriver := flag.String("db-driver", "bolt", "Replica store backend: bolt or sqlite")
	listenAddr := flag.String("listen", ":0", "Listen address (server role)")
	resync := flag.Duration("resync", 10*time.Second, "Background re-sync interval (client role)")

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	switch args[0] {
	case "server":
		if err := runServer(logger, *secretFlag, *passphrase, *storagePath, *dbDriver, *listenAddr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "client":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: client role needs a join ticket")
			printUsage()
			os.Exit(1)
		}
		if err := runClient(logger, *secretFlag, *passphrase, *storagePath, *dbDriver, args[1], *resync); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown role: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func runServer(logger *slog.Logger, secretFlag string, passphrase bool, storagePath, dbDriver, listenAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateDir, err := ensureStateDir(storagePath, "server")
	if err != nil {
		return err
	}
	secret, err := resolveSecret(secretFlag, passphrase, stateDir)
	if err != nil {
		return err
	}
	id, err := identity.Derive(secret)
	if err != nil {
		return err
	}
	logger.Info("starting server", "node_id", id.NodeID().String())

	namespace := deriveNamespace(secret)
	st, err := openStore(ctx, dbDriver, stateDir, id.NodeID(), namespace)
	if err != nil {
		return err
	}
	defer st.Close()

	server := node.NewServer(node.Options{
		Identity: id,
		Store:    st,
		Logger:   logger,
	})
	if err := server.Start(ctx, listenAddr); err != nil {
		return err
	}
	defer server.Close()

	fmt.Println("Server started.")
	fmt.Printf("Use the following command to connect clients:\n")
	fmt.Printf("  picsync --secret <client-secret> client %s\n", server.Ticket())

	c := cli.New(st, id, server.Ticket(), nil)
	return c.Loop(ctx, os.Stdin)
}

func runClient(logger *slog.Logger, secretFlag string, passphrase bool, storagePath, dbDriver, ticketStr string, resync time.Duration) error {
	// Билет разбирается до любой сетевой активности
	t, err := ticket.Decode(ticketStr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateDir, err := ensureStateDir(storagePath, "client")
	if err != nil {
		return err
	}
	secret, err := resolveSecret(secretFlag, passphrase, stateDir)
	if err != nil {
		return err
	}
	id, err := identity.Derive(secret)
	if err != nil {
		return err
	}
	logger.Info("starting client", "node_id", id.NodeID().String())

	st, err := openStore(ctx, dbDriver, stateDir, id.NodeID(), t.Namespace)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := node.NewClient(node.Options{
		Identity: id,
		Store:    st,
		Logger:   logger,
	}, t)
	if err != nil {
		return err
	}

	go func() {
		if err := client.Run(ctx, resync); err != nil && ctx.Err() == nil {
			logger.Error("sync loop stopped", "error", err)
			stop()
		}
	}()

	c := cli.New(st, id, "", client)
	return c.Loop(ctx, os.Stdin)
}

// resolveSecret picks the node secret: the -secret flag, an interactive
// passphrase, or a freshly generated one that is printed for reuse.
func resolveSecret(secretFlag string, passphrase bool, stateDir string) ([]byte, error) {
	if secretFlag != "" {
		secret, err := identity.ParseSecret(secretFlag)
		if err != nil {
			return nil, err
		}
		if len(secret) != identity.SecretSize {
			return nil, fmt.Errorf("%w: expected %d bytes, got %d",
				identity.ErrInvalidSecretLength, identity.SecretSize, len(secret))
		}
		return secret, nil
	}

	if passphrase {
		fmt.Print("Enter passphrase: ")
		input, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		salt, err := loadOrCreateSalt(stateDir)
		if err != nil {
			return nil, err
		}
		return identity.DeriveFromPassphrase(string(input), salt)
	}

	secret, err := identity.GenerateSecret()
	if err != nil {
		return nil, err
	}
	fmt.Printf("No secret provided, generated a new one: %s\n", hex.EncodeToString(secret))
	return secret, nil
}

// loadOrCreateSalt keeps the passphrase salt in the state dir so the derived
// identity survives restarts.
func loadOrCreateSalt(stateDir string) ([]byte, error) {
	saltPath := filepath.Join(stateDir, "salt")
	salt, err := os.ReadFile(saltPath)
	if err == nil {
		if len(salt) != identity.SaltSize {
			return nil, fmt.Errorf("%w: salt file has %d bytes", store.ErrCorruptLocalState, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	salt, err = identity.GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

func ensureStateDir(storagePath, role string) (string, error) {
	dir := filepath.Join(storagePath, role)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return dir, nil
}

func deriveNamespace(secret []byte) [32]byte {
	return blake2b.Sum256(append([]byte(namespaceContext), secret...))
}

func openStore(ctx context.Context, driver, stateDir string, nodeID identity.NodeID, namespace [32]byte) (store.Store, error) {
	dbPath := filepath.Join(stateDir, "picsync.db")
	switch driver {
	case "bolt":
		return boltdb.New(ctx, dbPath, nodeID, namespace)
	case "sqlite":
		return sqlite.New(ctx, dbPath, nodeID, namespace)
	default:
		return nil, fmt.Errorf("unknown db driver %q (want bolt or sqlite)", driver)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  picsync [flags] server")
	fmt.Fprintln(os.Stderr, "  picsync [flags] client <ticket>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func printVersion() {
	fmt.Printf("picsync\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
