package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/rewind/internal/events"
	"github.com/felixgeelhaar/rewind/internal/indexer"
	"github.com/felixgeelhaar/rewind/internal/memory"
)

const stopTimeout = 30 * time.Second

var (
	indexAll  bool
	indexOnce bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed pending memories in the background",
	Long: `Index runs the background worker that embeds pending memories one at a time,
oldest first. It runs until interrupted, or with --once until nothing is pending.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			entries, err := a.entries(indexAll)
			if err != nil {
				return err
			}
			emb, err := a.embedder()
			if err != nil {
				return err
			}

			opts := indexer.Options{
				Delay:       a.cfg.Indexer.Delay,
				CallTimeout: a.cfg.Indexer.CallTimeout,
				Observer:    a.obs,
				Bus:         a.bus,
			}

			// Open every store first so a bad one fails the command before
			// any worker runs.
			stores := make([]*memory.Store, len(entries))
			for i, e := range entries {
				s, err := a.reg.Get(cmd.Context(), e.ID)
				if err != nil {
					return fmt.Errorf("open %s: %w", e.Name, err)
				}
				stores[i] = s
			}

			out := cmd.OutOrStdout()
			var outMu sync.Mutex
			for _, e := range entries {
				name := e.Name
				stop := a.bus.SubscribeStore(e.ID, func(ev events.Event) {
					outMu.Lock()
					defer outMu.Unlock()
					if ev.Type == events.RecordFailed {
						fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%s: failed %v: %v", name, ev.Data["record_id"], ev.Data["error"])))
						return
					}
					fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%s: indexed %v", name, ev.Data["record_id"])))
				}, events.RecordIndexed, events.RecordFailed)
				defer stop()
			}

			if !indexOnce {
				fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("Indexing %d store(s); press Ctrl-C to stop", len(entries))))
			}

			counts := make([]int, len(entries))
			g, ctx := errgroup.WithContext(cmd.Context())
			for i, s := range stores {
				w := indexer.New(s, emb, opts)

				g.Go(func() error {
					if indexOnce {
						n, err := w.Drain(ctx)
						counts[i] = n
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					}

					if err := w.Start(ctx); err != nil {
						return err
					}
					<-ctx.Done()
					stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
					defer cancel()
					return w.Stop(stopCtx)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			for i, e := range entries {
				st := stores[i].Stats()
				line := fmt.Sprintf("%s: %d completed, %d failed, %d unindexed", e.Name, st.Completed, st.Failed, st.Unindexed())
				if indexOnce {
					line = fmt.Sprintf("Indexed %d in %s", counts[i], line)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		})
	},
}

func init() {
	indexCmd.Flags().BoolVar(&indexAll, "all", false, "Index every store, not only the active one")
	indexCmd.Flags().BoolVar(&indexOnce, "once", false, "Exit when nothing is pending")
	RootCmd.AddCommand(indexCmd)
}
