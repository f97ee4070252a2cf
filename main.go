package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yelban/roast-sub000/cache"
	"github.com/yelban/roast-sub000/internal/app"
	"github.com/yelban/roast-sub000/internal/config"
	"github.com/yelban/roast-sub000/internal/jobs"
)

const version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatal().Err(err).Msg("roast")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "roast",
		Short:         "Menu speech audio cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.AddCommand(newKeyCmd(), newSpeakCmd(), newObjectsCmd(), newPrewarmCmd())
	return root
}

func newKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <text>",
		Short: "Print the cache key and object names for text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printKey(cmd.OutOrStdout(), cache.Derive(args[0]))
			return nil
		},
	}
}

func printKey(w io.Writer, k cache.Key) {
	fmt.Fprintf(w, "key:      %s\n", k)
	fmt.Fprintf(w, "audio:    %s\n", k.AudioObject())
	fmt.Fprintf(w, "metadata: %s\n", k.MetadataObject())
}

// withApp loads configuration and builds the app for one command
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, app.NewLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newSpeakCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "speak <text>",
		Short: "Fetch or synthesize audio for text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Audio.Speak(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				path := output
				if path == "" {
					path = res.Key.AudioObject()
				}
				if err := os.WriteFile(path, res.Audio, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d bytes (%s) in %v\n",
					res.Key, res.Tier, len(res.Audio), path, res.Duration)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write the audio to (default <key>.mp3)")
	return cmd
}

func newObjectsCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "objects",
		Short: "List cached objects in the object store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if a.Objects == nil {
					return fmt.Errorf("object store is not configured. Please set S3_ENDPOINT, S3_BUCKET and credentials")
				}
				objects, err := a.Objects.List(cmd.Context(), prefix)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, o := range objects {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list keys with this prefix")
	return cmd
}

func newPrewarmCmd() *cobra.Command {
	var (
		force   bool
		enqueue bool
		sources []string
	)
	cmd := &cobra.Command{
		Use:   "prewarm [phrase...]",
		Short: "Cache audio for phrases ahead of demand",
		Long: "Cache audio for the given phrases, or for the configured sources when none are given.\n" +
			"With --enqueue the run is handed to the worker instead of running here.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := jobs.PrewarmPayload{Phrases: args, Sources: sources, Force: force}
			if enqueue {
				return enqueuePrewarm(cmd, payload)
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				phrases := payload.Phrases
				if len(phrases) == 0 {
					var err error
					if phrases, err = a.PrewarmPhrases(cmd.Context(), payload.Sources); err != nil {
						return err
					}
				}
				st, err := a.Prewarm.Run(cmd.Context(), phrases, payload.Force)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "total=%d completed=%d skipped=%d failed=%d\n",
					st.Total, st.Completed, st.Skipped, st.Failed)
				for _, e := range st.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", e)
				}
				if st.Failed > 0 {
					return fmt.Errorf("%d phrases failed", st.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "synthesize even when already cached")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "queue the run for the worker")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "phrase sources to use (config, menu, popular)")
	return cmd
}

func enqueuePrewarm(cmd *cobra.Command, p jobs.PrewarmPayload) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	task, err := jobs.NewPrewarmTask(p)
	if err != nil {
		return err
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("close asynq client")
		}
	}()
	info, err := client.EnqueueContext(cmd.Context(), task)
	if err != nil {
		return fmt.Errorf("enqueue prewarm: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s on queue %s\n", info.ID, info.Queue)
	return nil
}
