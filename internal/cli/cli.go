// Package cli implements the operator command loop. It is thin glue over
// the record store: parsed commands map to store calls and print summaries.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/picorca/picsync/internal/identity"
	"github.com/picorca/picsync/internal/models"
	"github.com/picorca/picsync/internal/store"
)

// Syncer triggers an on-demand sync round; nil when running as seed.
type Syncer interface {
	SyncNow(ctx context.Context) error
}

// Cli is the interactive operator surface.
type Cli struct {
	store    store.Store
	identity *identity.Identity
	ticket   string
	syncer   Syncer
	out      io.Writer
}

// New creates the command processor. ticket may be empty (client role) and
// syncer may be nil (seed role).
func New(st store.Store, id *identity.Identity, ticket string, syncer Syncer) *Cli {
	return &Cli{
		store:    st,
		identity: id,
		ticket:   ticket,
		syncer:   syncer,
		out:      os.Stdout,
	}
}

// SetOutput redirects command output, used by tests.
func (c *Cli) SetOutput(w io.Writer) {
	c.out = w
}

// Loop reads commands from r until EOF, quit, or context cancellation.
func (c *Cli) Loop(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if quit := c.Execute(ctx, line); quit {
			return nil
		}
	}
}

// Execute runs one command line and reports whether the loop should exit.
func (c *Cli) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	command, args := fields[0], fields[1:]

	switch command {
	case "quit", "exit":
		fmt.Fprintln(c.out, "Goodbye!")
		return true
	case "help":
		c.printHelp()
	case "status":
		c.runStatus(ctx)
	case "ticket":
		c.runTicket()
	case "add":
		c.runAdd(ctx, args)
	case "add_folder":
		c.runAddFolder(ctx)
	case "get":
		c.runGet(ctx, models.KindImage, args)
	case "get_folder":
		c.runGet(ctx, models.KindFolder, args)
	case "sync":
		c.runSync(ctx)
	default:
		fmt.Fprintf(c.out, "Unknown command: %q. Type 'help' for available commands.\n", command)
	}
	return false
}

func (c *Cli) printHelp() {
	fmt.Fprintln(c.out, "Available commands:")
	fmt.Fprintln(c.out, "  add [file]  - Write one image entry (generated test content, or a file)")
	fmt.Fprintln(c.out, "  add_folder  - Write one folder entry")
	fmt.Fprintln(c.out, "  get [key]   - Report live image entries")
	fmt.Fprintln(c.out, "  get_folder  - Report live folder entries")
	fmt.Fprintln(c.out, "  sync        - Trigger a sync round now (client)")
	fmt.Fprintln(c.out, "  status      - Show node status")
	fmt.Fprintln(c.out, "  ticket      - Show the join ticket (seed)")
	fmt.Fprintln(c.out, "  help        - Show this help message")
	fmt.Fprintln(c.out, "  quit        - Exit")
}

func (c *Cli) runStatus(ctx context.Context) {
	images, err := c.store.Count(ctx, models.KindImage)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	folders, err := c.store.Count(ctx, models.KindFolder)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Node:    %s\n", c.identity.NodeID())
	fmt.Fprintf(c.out, "Images:  %d\n", images)
	fmt.Fprintf(c.out, "Folders: %d\n", folders)
}

func (c *Cli) runTicket() {
	if c.ticket == "" {
		fmt.Fprintln(c.out, "No ticket: this node is not a seed.")
		return
	}
	fmt.Fprintln(c.out, c.ticket)
}

// runAdd writes one image entry: deterministic generated content, or a real
// file when a path is given.
func (c *Cli) runAdd(ctx context.Context, args []string) {
	var key string
	var value []byte

	if len(args) > 0 {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(c.out, "Failed to read file: %v\n", err)
			return
		}
		key = fileKey(path)
		value = data
	} else {
		count, err := c.store.Count(ctx, models.KindImage)
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		key = fmt.Sprintf("img-%d.png", count+1)
		value = TestImage(key)
	}

	version, err := c.store.Put(ctx, models.KindImage, c.identity.NodeID(), key, value)
	if err != nil {
		fmt.Fprintf(c.out, "Failed to add image: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Added image %q (%d bytes, version %d)\n", key, len(value), version)
}

func (c *Cli) runAddFolder(ctx context.Context) {
	count, err := c.store.Count(ctx, models.KindFolder)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	name := fmt.Sprintf("New Folder%d", count+1)

	version, err := c.store.Put(ctx, models.KindFolder, c.identity.NodeID(), name, []byte(name))
	if err != nil {
		fmt.Fprintf(c.out, "Failed to add folder: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Added folder %q (version %d)\n", name, version)
}

func (c *Cli) runGet(ctx context.Context, kind models.Kind, args []string) {
	if len(args) > 0 {
		key := strings.Join(args, " ")
		entries, err := c.store.GetKey(ctx, kind, key)
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(c.out, "Retrieved %d %s for key %q\n", len(entries), kind, key)
		for _, entry := range entries {
			fmt.Fprintf(c.out, "  author=%s version=%d size=%d\n", entry.Author, entry.Version, len(entry.Value))
		}
		return
	}

	count, err := c.store.Count(ctx, kind)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Retrieved %s len: %d\n", kind, count)
}

func (c *Cli) runSync(ctx context.Context) {
	if c.syncer == nil {
		fmt.Fprintln(c.out, "Nothing to sync: this node is a seed.")
		return
	}
	if err := c.syncer.SyncNow(ctx); err != nil {
		fmt.Fprintf(c.out, "Sync failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "Sync complete.")
}

func fileKey(path string) string {
	return filepath.Base(path)
}
