package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
	"uniformcore/internal/backup"
	"uniformcore/internal/blob"
	"uniformcore/internal/core"

	"github.com/spf13/cobra"
)

func newBackupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, restore and delete catalog backups in the blob store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Archive the current catalog",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withArchive(cmd.Context(), func(archive *backup.Archive) error {
					info, err := archive.Create(cmd.Context())
					if err != nil {
						return err
					}
					return printBackups(cmd.OutOrStdout(), []backup.Info{info})
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored backups, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withArchive(cmd.Context(), func(archive *backup.Archive) error {
					infos, err := archive.List(cmd.Context())
					if err != nil {
						return err
					}
					return printBackups(cmd.OutOrStdout(), infos)
				})
			},
		},
		&cobra.Command{
			Use:   "restore <key>",
			Short: "Replace the catalog with a stored backup",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withArchive(cmd.Context(), func(archive *backup.Archive) error {
					info, err := archive.Restore(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printBackups(cmd.OutOrStdout(), []backup.Info{info})
				})
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove a stored backup",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withArchive(cmd.Context(), func(archive *backup.Archive) error {
					if err := archive.Delete(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

// withArchive opens the configured store and blob store for fn. Backups
// always work against the local configuration.
func (a *app) withArchive(ctx context.Context, fn func(*backup.Archive) error) (err error) {
	if a.server != "" {
		return fmt.Errorf("backup commands run against the local store; drop --server")
	}
	store, err := core.OpenPersistentStore(a.cfg.Storage, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	blobs, err := blob.Open(ctx, a.cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	return fn(backup.New(store, blobs, backup.WithLogger(a.logger.Named("backup"))))
}

func printBackups(w io.Writer, infos []backup.Info) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tCREATED\tSIZE\tTYPES\tGENERATIONS\tGROUPS\tMATERIALS")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			info.Key,
			info.CreatedAt.Format(time.RFC3339),
			info.Size,
			info.Counts["uniform_types"],
			info.Counts["uniform_generations"],
			info.Counts["material_groups"],
			info.Counts["materials"],
		)
	}
	return tw.Flush()
}
