package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"uniformcore/internal/core"
	"uniformcore/pkg/client"
	"uniformcore/pkg/domain"

	"github.com/spf13/cobra"
)

// catalog is the subset of operations the CLI drives, served either by a
// local store or by a running API.
type catalog interface {
	List(ctx context.Context, kind domain.EntityType, scopeID string) ([]domain.Orderable, error)
	ListDeleted(ctx context.Context, kind domain.EntityType, scopeID string) ([]domain.Orderable, error)
	Reorder(ctx context.Context, kind domain.EntityType, change domain.SortOrderChange) ([]domain.Orderable, error)
	Delete(ctx context.Context, kind domain.EntityType, id string) ([]domain.Orderable, error)
	Restore(ctx context.Context, kind domain.EntityType, id string) (domain.Orderable, error)
	Repair(ctx context.Context, kind domain.EntityType, scopeID string) (int, error)
	Close() error
}

type localCatalog struct {
	svc   *core.Service
	actor string
}

func (c localCatalog) List(ctx context.Context, kind domain.EntityType, scopeID string) ([]domain.Orderable, error) {
	return c.svc.List(ctx, kind, scopeID)
}

func (c localCatalog) ListDeleted(ctx context.Context, kind domain.EntityType, scopeID string) ([]domain.Orderable, error) {
	return c.svc.ListDeleted(ctx, kind, scopeID)
}

func (c localCatalog) Reorder(ctx context.Context, kind domain.EntityType, change domain.SortOrderChange) ([]domain.Orderable, error) {
	return c.svc.Reorder(ctx, kind, change.ID, change.NewPosition)
}

func (c localCatalog) Delete(ctx context.Context, kind domain.EntityType, id string) ([]domain.Orderable, error) {
	items, _, err := c.svc.Delete(ctx, kind, id, c.actor)
	return items, err
}

func (c localCatalog) Restore(ctx context.Context, kind domain.EntityType, id string) (domain.Orderable, error) {
	item, _, err := c.svc.Restore(ctx, kind, id)
	return item, err
}

func (c localCatalog) Repair(ctx context.Context, kind domain.EntityType, scopeID string) (int, error) {
	report, err := c.svc.Repair(ctx, kind, scopeID)
	return report.Changed, err
}

func (c localCatalog) Close() error { return c.svc.Store().Close() }

type remoteCatalog struct {
	*client.Client
}

func (c remoteCatalog) Repair(ctx context.Context, kind domain.EntityType, scopeID string) (int, error) {
	report, err := c.Client.Repair(ctx, kind, scopeID)
	return report.Changed, err
}

func (remoteCatalog) Close() error { return nil }

// openCatalog returns the API client when --server is set and the configured
// local store otherwise.
func (a *app) openCatalog() (catalog, error) {
	if a.server != "" {
		c, err := client.New(a.server, client.WithActor(a.actor))
		if err != nil {
			return nil, err
		}
		return remoteCatalog{Client: c}, nil
	}
	store, err := core.OpenPersistentStore(a.cfg.Storage, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	svc := core.NewService(store, core.WithLogger(a.logger.Named("core")), core.WithDefaultActor(a.actor))
	return localCatalog{svc: svc, actor: a.actor}, nil
}

// withCatalog opens the catalog for the duration of fn.
func (a *app) withCatalog(fn func(catalog) error) (err error) {
	c, err := a.openCatalog()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(c)
}

// parseKind accepts a kind ("material") or its collection name ("materials").
func parseKind(arg string) (domain.EntityType, error) {
	if kind := domain.EntityType(arg); kind.Valid() {
		return kind, nil
	}
	if kind, ok := domain.KindForCollection(arg); ok {
		return kind, nil
	}
	return "", fmt.Errorf("unknown kind %q (valid: %v)", arg, domain.OrderableKinds)
}

func newListCmd(a *app) *cobra.Command {
	var (
		scope   string
		deleted bool
	)
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List the live siblings of a scope in sort order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			return a.withCatalog(func(c catalog) error {
				list := c.List
				if deleted {
					list = c.ListDeleted
				}
				items, err := list(cmd.Context(), kind, scope)
				if err != nil {
					return err
				}
				return printItems(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "Scope id (association, uniform type or material group)")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "List soft-deleted records instead, most recently deleted first")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newReorderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <kind> <id> <position>",
		Short: "Move a record to a new zero-based position among its siblings",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			position, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid position %q: %w", args[2], err)
			}
			return a.withCatalog(func(c catalog) error {
				items, err := c.Reorder(cmd.Context(), kind, domain.SortOrderChange{ID: args[1], NewPosition: position})
				if err != nil {
					return err
				}
				return printItems(cmd.OutOrStdout(), items)
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Soft-delete a record and renumber its remaining siblings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			return a.withCatalog(func(c catalog) error {
				items, err := c.Delete(cmd.Context(), kind, args[1])
				if err != nil {
					return err
				}
				return printItems(cmd.OutOrStdout(), items)
			})
		},
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <kind> <id>",
		Short: "Restore a soft-deleted record at the end of its scope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			return a.withCatalog(func(c catalog) error {
				item, err := c.Restore(cmd.Context(), kind, args[1])
				if err != nil {
					return err
				}
				return printItems(cmd.OutOrStdout(), []domain.Orderable{item})
			})
		},
	}
}

func newRepairCmd(a *app) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "repair <kind>",
		Short: "Renumber a scope whose sort orders drifted from 0..n-1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			return a.withCatalog(func(c catalog) error {
				changed, err := c.Repair(cmd.Context(), kind, scope)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "repaired %s in %s: %d changed\n", kind.Collection(), scope, changed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "Scope id to repair")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func printItems(w io.Writer, items []domain.Orderable) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SORT\tID\tSCOPE")
	for _, item := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", item.Position(), item.EntityID(), item.ScopeID())
	}
	return tw.Flush()
}
