package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jianxcao/watch-docker/internal/api"
	"github.com/jianxcao/watch-docker/internal/model"
	"github.com/jianxcao/watch-docker/internal/state"
)

// withClient loads config and runs fn with a REST client.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, client *api.Client, logger *slog.Logger) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
	svc, err := newServices(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(cmd.Context(), svc.client, logger)
}

func newContainersCommand(a *app) *cobra.Command {
	var withStats bool
	cmd := &cobra.Command{
		Use:     "containers",
		Aliases: []string{"ps"},
		Short:   "List containers once over REST",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *api.Client, _ *slog.Logger) error {
				return listContainers(ctx, client, withStats, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&withStats, "stats", true, "include CPU and memory usage")

	for _, action := range []struct {
		use, short string
		run        func(*api.Client, context.Context, string) error
	}{
		{"start", "Start a container", (*api.Client).StartContainer},
		{"stop", "Stop a container", (*api.Client).StopContainer},
		{"restart", "Restart a container", (*api.Client).RestartContainer},
		{"update", "Pull the newer image and recreate a container", (*api.Client).UpdateContainer},
		{"rm", "Delete a container", (*api.Client).DeleteContainer},
	} {
		cmd.AddCommand(newActionCommand(a, action.use, action.short, action.run))
	}
	cmd.AddCommand(newUpdateAllCommand(a))
	cmd.AddCommand(newImagesCommand(a))
	return cmd
}

func listContainers(ctx context.Context, client *api.Client, withStats bool, out io.Writer) error {
	list, err := client.ListContainers(ctx)
	if err != nil {
		return err
	}
	containers := state.Replace(list)

	var stats state.Collection
	if withStats && len(containers) > 0 {
		ids := make([]string, 0, len(containers))
		for id := range containers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		payload, err := client.ContainersStats(ctx, ids)
		if err != nil {
			return err
		}
		entities, err := payload.Entities()
		if err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}
		stats = state.Replace(entities)
	}

	return printContainers(out, sortedContainers(containers, stats), time.Now())
}

func newActionCommand(a *app, use, short string, run func(*api.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *api.Client, logger *slog.Logger) error {
				for _, id := range args {
					if err := run(client, ctx, id); err != nil {
						return err
					}
					logger.Debug("container action done", "action", use, "container_id", id)
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", use, id)
				}
				return nil
			})
		},
	}
}

func newUpdateAllCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update-all",
		Short: "Update every container with a newer image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *api.Client, _ *slog.Logger) error {
				res, err := client.BatchUpdate(ctx)
				if err != nil {
					return err
				}
				return printBatchResult(cmd.OutOrStdout(), res)
			})
		},
	}
}

func printBatchResult(w io.Writer, res *model.BatchUpdateResult) error {
	fmt.Fprintf(w, "updated: %d\n", len(res.Updated))
	for _, name := range res.Updated {
		fmt.Fprintf(w, "  %s\n", name)
	}
	if len(res.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(res.Failed))
	for name := range res.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "failed: %d\n", len(names))
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %s\n", name, res.Failed[name])
	}
	return fmt.Errorf("%d container(s) failed to update", len(names))
}

func newImagesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List local images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, client *api.Client, _ *slog.Logger) error {
				images, err := client.ListImages(ctx)
				if err != nil {
					return err
				}
				return printImages(cmd.OutOrStdout(), images, time.Now())
			})
		},
	}
}

func printImages(w io.Writer, images []model.ImageInfo, now time.Time) error {
	sort.Slice(images, func(i, j int) bool { return images[i].Created > images[j].Created })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTAGS\tSIZE\tCREATED")
	for _, img := range images {
		id := strings.TrimPrefix(img.ID, "sha256:")
		if len(id) > 12 {
			id = id[:12]
		}
		tags := "<none>"
		if len(img.RepoTags) > 0 {
			tags = strings.Join(img.RepoTags, ",")
		}
		size := "-"
		if img.Size > 0 {
			size = humanizeBytes(uint64(img.Size))
		}
		created := "-"
		if img.Created > 0 {
			created = humanize.RelTime(time.Unix(img.Created, 0), now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, tags, size, created)
	}
	return tw.Flush()
}
