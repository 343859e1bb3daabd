package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"pdm-go/internal/app"
	"pdm-go/internal/config"
	"pdm-go/internal/model"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a PDMApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Checkout", "Serve").
func newApp(ctx context.Context, operation string, serving bool) (*app.PDMApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewPDMApp(ctx, cfg, operation, serving)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// actorCommand opens the app and resolves the acting identity from --as
// (or PDM_ACTOR) before handing both to fn.
func actorCommand(operation string, fn func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, operation, false)
		if err != nil {
			return err
		}
		defer a.Close()

		id, _ := cmd.Flags().GetString("as")
		if id == "" {
			id = os.Getenv("PDM_ACTOR")
		}
		actor, err := a.Actor(ctx, id)
		if err != nil {
			return a.Track(err)
		}
		return a.Track(fn(cmd, a, actor, args))
	}
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pass), nil
}

func unlockPrompt() (string, error) {
	return readPassphrase("Passphrase: ")
}

// openInput returns the file named by --file, or stdin.
func openInput(cmd *cobra.Command) (io.ReadCloser, error) {
	path, _ := cmd.Flags().GetString("file")
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

const timeLayout = "2006-01-02 15:04:05"

var rootCmd = &cobra.Command{
	Use:          "pdm",
	Short:        "Shared part data with exclusive checkout",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		instanceID := uuid.New().String()
		cfg := config.NewConfig(instanceID, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Instance ID: %s\n", instanceID)
		fmt.Printf("Base Dir:    %s\n", defaults["base_dir"])
		fmt.Println("Add [[actors]] entries before running `pdm serve`.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("Instance ID:  %s\n", cfg.InstanceID)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Listen:       %s\n", cfg.Server.Listen)
		fmt.Printf("Database:     %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Blobs:        %s\n", cfg.Blobs.Type)
		fmt.Printf("Coordination: %s\n", cfg.Coordination.Type)
		fmt.Printf("Relay:        %s\n", cfg.Relay.Type)
		fmt.Printf("Mirror:       %v (%s, encrypt=%v)\n", cfg.Mirror.Enabled, cfg.Mirror.Vault.Type, cfg.Mirror.Encrypt)
		fmt.Printf("Actors:       %d\n", len(cfg.Actors))
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the version store schema",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := app.MigrateDatabase(cfg); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		version, dirty, latest, err := app.DatabaseStatus(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Schema version: %d (latest %d)\n", version, latest)
		if dirty {
			fmt.Println("Database is dirty: a migration failed part way.")
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Serve", true)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Serve(ctx)
	},
}

// resource command
var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Manage resources",
}

var resourceAddCmd = &cobra.Command{
	Use:   "add ID",
	Short: "Register a resource, optionally with initial content",
	Args:  cobra.ExactArgs(1),
	RunE: actorCommand("AddResource", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		var content io.Reader
		path, _ := cmd.Flags().GetString("file")
		if path != "" {
			in, err := openInput(cmd)
			if err != nil {
				return err
			}
			defer in.Close()
			content = in
		}
		v, err := a.Service().AddResource(ctx, actor, args[0], content)
		if err != nil {
			return err
		}
		fmt.Printf("Added %s at %s\n", args[0], short(v.ID))
		return nil
	}),
}

var resourceRmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Remove a resource (elevated)",
	Args:  cobra.ExactArgs(1),
	RunE: actorCommand("RemoveResource", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		if err := a.Service().RemoveResource(ctx, actor, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	}),
}

var resourceMvCmd = &cobra.Command{
	Use:   "mv OLD NEW",
	Short: "Rename a resource",
	Args:  cobra.ExactArgs(2),
	RunE: actorCommand("RenameResource", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		v, err := a.Service().RenameResource(ctx, actor, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Renamed %s to %s at %s\n", args[0], args[1], short(v.ID))
		return nil
	}),
}

var resourceLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List resources and their lock state",
	RunE: actorCommand("ListResources", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		statuses, err := a.Service().ListResources(ctx, actor)
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("No resources.")
			return nil
		}
		for _, s := range statuses {
			owner := ""
			if s.Owner != "" {
				owner = fmt.Sprintf("%s since %s", s.Owner, s.Since.Local().Format(timeLayout))
			}
			fmt.Printf("%-10s %-30s %10d  %s\n", s.Status, s.ResourceID, s.Size, owner)
		}
		return nil
	}),
}

// checkout command
var checkoutCmd = &cobra.Command{
	Use:   "checkout ID",
	Short: "Take the exclusive lock on a resource",
	Args:  cobra.ExactArgs(1),
	RunE: actorCommand("Checkout", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		note, _ := cmd.Flags().GetString("note")
		lock, err := a.Service().Checkout(ctx, actor, args[0], note)
		if err != nil {
			return err
		}
		fmt.Printf("Checked out %s at %s\n", lock.ResourceID, lock.AcquiredAt.Local().Format(timeLayout))
		return nil
	}),
}

// checkin command
var checkinCmd = &cobra.Command{
	Use:   "checkin ID",
	Short: "Release a resource, committing new content if given",
	Args:  cobra.ExactArgs(1),
	RunE: actorCommand("Checkin", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		override, _ := cmd.Flags().GetBool("override")
		var content io.Reader
		path, _ := cmd.Flags().GetString("file")
		if path != "" {
			in, err := openInput(cmd)
			if err != nil {
				return err
			}
			defer in.Close()
			content = in
		}
		res, err := a.Service().Checkin(ctx, actor, args[0], override, content)
		if err != nil {
			return err
		}
		switch {
		case res.Forced:
			fmt.Printf("Force-released %s\n", args[0])
		default:
			fmt.Printf("Checked in %s\n", args[0])
		}
		if res.Version != nil {
			fmt.Printf("New version %s\n", short(res.Version.ID))
		}
		return nil
	}),
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show locks and mirror state",
	RunE: actorCommand("Status", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		locks, err := a.Service().Locks(ctx, actor)
		if err != nil {
			return err
		}
		if len(locks) == 0 {
			fmt.Println("No locks held.")
		}
		for _, l := range locks {
			fmt.Printf("%-30s %-15s %s  %s\n", l.ResourceID, l.Owner, l.AcquiredAt.Local().Format(timeLayout), l.Note)
		}
		if m := a.Mirror(); m != nil {
			st, err := m.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("\nMirror: %d pending, lag %s, local seq %d, remote seq %d\n",
				st.Pending, st.Lag.Truncate(time.Second), st.LocalSeq, st.RemoteSeq)
		}
		return nil
	}),
}

// log command
var logCmd = &cobra.Command{
	Use:   "log ID",
	Short: "View version history",
	Args:  cobra.ExactArgs(1),
	RunE: actorCommand("History", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")
		versions, err := a.Service().History(ctx, actor, args[0], limit)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No history.")
			return nil
		}
		for _, v := range versions {
			fmt.Printf("%s  #%-5d %s  %-15s %-25s %s\n",
				short(v.ID), v.Seq, v.Timestamp.Local().Format(timeLayout), v.Author, v.Target, v.Message)
		}
		return nil
	}),
}

// diff command
var diffCmd = &cobra.Command{
	Use:   "diff ID FROM TO",
	Short: "Compare two versions of a resource",
	Args:  cobra.ExactArgs(3),
	RunE: actorCommand("Diff", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		changes, err := a.Service().Diff(ctx, actor, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			fmt.Println("No changes.")
			return nil
		}
		for _, c := range changes {
			switch c.Kind {
			case model.ChangeAdded:
				fmt.Printf("+ %s = %s\n", c.Unit, c.New)
			case model.ChangeRemoved:
				fmt.Printf("- %s = %s\n", c.Unit, c.Old)
			default:
				fmt.Printf("~ %s: %s -> %s\n", c.Unit, c.Old, c.New)
			}
		}
		return nil
	}),
}

// blame command
var blameCmd = &cobra.Command{
	Use:   "blame ID [VERSION]",
	Short: "Show who last changed each unit",
	Args:  cobra.RangeArgs(1, 2),
	RunE: actorCommand("Attribution", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		version := ""
		if len(args) > 1 {
			version = args[1]
		}
		attr, err := a.Service().Attribution(ctx, actor, args[0], version)
		if err != nil {
			return err
		}
		units := make([]string, 0, len(attr))
		for u := range attr {
			units = append(units, u)
		}
		sort.Strings(units)
		for _, u := range units {
			at := attr[u]
			fmt.Printf("%s  %-15s %s  %s\n", short(at.VersionID), at.Author, at.Timestamp.Local().Format(timeLayout), u)
		}
		return nil
	}),
}

// cat command
var catCmd = &cobra.Command{
	Use:   "cat ID [VERSION]",
	Short: "Write resource content to stdout",
	Args:  cobra.RangeArgs(1, 2),
	RunE: actorCommand("ReadContent", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		version := ""
		if len(args) > 1 {
			version = args[1]
		}
		return a.Service().ReadContent(ctx, actor, args[0], version, os.Stdout)
	}),
}

// audit command
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log (elevated)",
	RunE: actorCommand("QueryAudit", func(cmd *cobra.Command, a *app.PDMApp, actor *model.Actor, args []string) error {
		ctx := cmd.Context()
		var filter model.AuditFilter
		filter.Actor, _ = cmd.Flags().GetString("actor")
		filter.Action, _ = cmd.Flags().GetString("action")
		filter.Target, _ = cmd.Flags().GetString("target")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
			filter.Since = time.Now().Add(-since)
		}
		events, err := a.Service().QueryAudit(ctx, actor, filter)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No audit events.")
			return nil
		}
		for _, e := range events {
			details := make([]string, 0, len(e.Details))
			for k, v := range e.Details {
				details = append(details, k+"="+v)
			}
			sort.Strings(details)
			fmt.Printf("%s  %-15s %-10s %-25s %-8s %s\n",
				e.Timestamp.Local().Format(timeLayout), e.Actor, e.Action, e.Target, e.Outcome, strings.Join(details, " "))
		}
		return nil
	}),
}

// mirror command
var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Manage the remote mirror",
}

var mirrorKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the mirror encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}
		if err := app.Keygen(cfg, pass); err != nil {
			return err
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

var mirrorSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending data to the mirror once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "MirrorSync", false)
		if err != nil {
			return err
		}
		defer a.Close()
		m := a.Mirror()
		if m == nil {
			return fmt.Errorf("mirroring is not enabled")
		}
		if err := a.Track(m.Sync(cmd.Context())); err != nil {
			return fmt.Errorf("mirror sync: %w", err)
		}
		fmt.Println("Mirror is up to date.")
		return nil
	},
}

var mirrorFetchDBCmd = &cobra.Command{
	Use:   "fetch-db",
	Short: "Restore the version store from the mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dest, version, err := app.FetchDatabase(cmd.Context(), cfg, unlockPrompt)
		if err != nil {
			return err
		}
		fmt.Printf("Restored database at seq %d to %s\n", version, dest)
		return nil
	},
}

var mirrorFetchCmd = &cobra.Command{
	Use:   "fetch CHECKSUM DEST",
	Short: "Fetch a single blob from the mirror",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := app.FetchBlob(cmd.Context(), cfg, args[0], args[1], unlockPrompt); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", args[1])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("as", "", "Actor ID to act as (default $PDM_ACTOR)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)

	// resource subcommands
	resourceCmd.AddCommand(resourceAddCmd)
	resourceAddCmd.Flags().StringP("file", "f", "", "Initial content (- for stdin)")
	resourceCmd.AddCommand(resourceRmCmd)
	resourceCmd.AddCommand(resourceMvCmd)
	resourceCmd.AddCommand(resourceLsCmd)

	// mirror subcommands
	mirrorCmd.AddCommand(mirrorKeygenCmd)
	mirrorCmd.AddCommand(mirrorSyncCmd)
	mirrorCmd.AddCommand(mirrorFetchDBCmd)
	mirrorCmd.AddCommand(mirrorFetchCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resourceCmd)
	rootCmd.AddCommand(checkoutCmd)
	checkoutCmd.Flags().StringP("note", "m", "", "Why the resource is being checked out")
	rootCmd.AddCommand(checkinCmd)
	checkinCmd.Flags().Bool("override", false, "Force-release another actor's lock (elevated)")
	checkinCmd.Flags().StringP("file", "f", "", "New content to commit (- for stdin)")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().IntP("limit", "n", 50, "Maximum number of versions to show")
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(blameCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().String("actor", "", "Only events by this actor")
	auditCmd.Flags().String("action", "", "Only this action")
	auditCmd.Flags().String("target", "", "Only this resource")
	auditCmd.Flags().Duration("since", 0, "Only events newer than this")
	auditCmd.Flags().IntP("limit", "n", 100, "Maximum number of events")
	rootCmd.AddCommand(mirrorCmd)
}
