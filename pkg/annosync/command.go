package annosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/surrealdb/annosync/pkg/config"
	"github.com/surrealdb/annosync/pkg/logger"
	"github.com/surrealdb/annosync/pkg/models"
)

// Main runs the command line with args (without the program name). It
// can be called from tests without building the binary.
//
//	annosync check                 # ping both stores and the inference endpoint
//	annosync init                  # migrate the metadata store, define document store indexes
//	annosync migrate-data          # copy every schema and annotation into the document store
//	annosync reconcile             # run one reconciliation sweep
//	annosync stats                 # combined statistics as JSON
//	annosync reset --yes           # delete every record in both stores
//	annosync annotate FILE         # generate a schema and a draft annotation for FILE
//	annosync run                   # serve HTTP and run the background loops
//
// Configuration comes from --config (YAML) and the environment; see
// [config.Load].
func Main(ctx context.Context, args []string) error {
	cmd := NewCommand()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type rootOptions struct {
	configPath string
	logLevel   string
	console    bool
}

// NewCommand returns the annosync root command.
func NewCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "annosync",
		Short: "Keep an annotation dataset in step across a relational and a document store",
		Long: `annosync writes annotation schemas and annotations to an authoritative
metadata store (PostgreSQL or SQLite) and replicates their payloads and
history to SurrealDB. Writes made while SurrealDB is unreachable are
queued and reconciled once it recovers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")
	root.PersistentFlags().BoolVar(&opts.console, "log-console", false, "human-readable log output")

	root.AddCommand(
		newCheckCommand(opts),
		newInitCommand(opts),
		newMigrateDataCommand(opts),
		newReconcileCommand(opts),
		newStatsCommand(opts),
		newResetCommand(opts),
		newAnnotateCommand(opts),
		newRunCommand(opts),
	)
	return root
}

// withApp loads the configuration, builds the logger and the App, and
// runs fn. Logs go to stderr unless log.path is set; stdout is kept for
// command output.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	level := cfg.Log.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logData, err := logger.New().
		FromBuffer(cmd.ErrOrStderr()).
		FromPath(cfg.Log.Path).
		WithLevel(level).
		Console(o.console || cfg.Log.Console).
		Make()
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer logData.Close()

	ctx := cmd.Context()
	app, err := New(ctx, cfg, logData.Logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Test the connections to both stores and the inference endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				results, err := app.Check(ctx)
				for _, r := range results {
					if r.OK {
						cmd.Printf("%-16s ok\n", r.Name)
					} else {
						cmd.Printf("%-16s FAILED: %s\n", r.Name, r.Error)
					}
				}
				return err
			})
		},
	}
}

func newInitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Migrate the metadata store and define the document store indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.Init(ctx); err != nil {
					return err
				}
				cmd.Println("Initialized metadata store and document store indexes.")
				return nil
			})
		},
	}
}

func newMigrateDataCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-data",
		Short: "Copy every schema and annotation into the document store",
		Long: `Queues every schema and annotation for replication and sweeps until the
queue is drained or the document store stops accepting writes. Running it
again is safe: document store writes are idempotent upserts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				n, res, err := app.Coordinator().MigrateAll(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				cmd.Printf("Queued %d entities, synced %d, deferred %d.\n", n, res.Synced, res.Deferred)
				if res.BreakerOpen {
					return errors.New("document store unavailable; remaining entities stay queued")
				}
				return nil
			})
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over the due sync tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				res, err := app.Coordinator().Reconcile(ctx)
				if err != nil {
					return fmt.Errorf("reconciliation failed: %w", err)
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the combined statistics of both stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				stats, err := app.Coordinator().GetCombinedStatistics(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every record in both stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes all data in both stores; pass --yes to confirm")
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.Coordinator().Reset(ctx); err != nil {
					return err
				}
				cmd.Println("Both stores reset.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newAnnotateCommand(opts *rootOptions) *cobra.Command {
	var (
		documentID string
		actor      string
	)
	cmd := &cobra.Command{
		Use:   "annotate FILE",
		Short: "Generate a schema and a draft annotation for a text document",
		Long: `Registers FILE as a document (or reuses --document), asks the inference
endpoint for its type and a schema, and stores a pre-filled draft
annotation. Inference failures fall back to an empty schema or draft.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				return annotate(ctx, cmd, app, args[0], string(content), documentID, actor)
			})
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "ID of an already registered document")
	cmd.Flags().StringVar(&actor, "actor", "annosync", "actor recorded in the history")
	return cmd
}

func annotate(ctx context.Context, cmd *cobra.Command, app *App, path, content, documentID, actor string) error {
	coord := app.Coordinator()
	var id models.DocumentID
	if documentID != "" {
		parsed, err := models.ParseDocumentID(documentID)
		if err != nil {
			return err
		}
		id = parsed
	} else {
		doc := &models.Document{
			Title:    filepath.Base(path),
			FileType: strings.TrimPrefix(filepath.Ext(path), "."),
		}
		if err := coord.RegisterDocument(ctx, doc); err != nil {
			return err
		}
		id = doc.ID
	}

	schema, err := app.Pipeline().GenerateSchema(ctx, id, content, map[string]any{"filename": filepath.Base(path)}, actor)
	if err != nil {
		return fmt.Errorf("schema generation failed: %w", err)
	}
	annotation, err := app.Pipeline().PreAnnotate(ctx, id, content, actor)
	if err != nil {
		return fmt.Errorf("pre-annotation failed: %w", err)
	}
	return printJSON(cmd, map[string]any{
		"document_id": id,
		"schema":      schema,
		"annotation":  annotation,
	})
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the HTTP API and run the health probe and reconciliation loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.Run(ctx); err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			})
		},
	}
}
