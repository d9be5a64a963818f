package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rovekit/rovekit-go/pkg/client"
	"github.com/rovekit/rovekit-go/pkg/stream"
)

// WatchOptions configures a watch.
type WatchOptions struct {
	Count int
	client.SubscribeOptions
}

func newWatchCommand(g *Globals) *cobra.Command {
	var opts WatchOptions
	cmd := &cobra.Command{
		Use:   "watch CAPABILITY OP [KEY=VALUE...]",
		Short: "Stream repeated reads of a capability operation",
		Example: `  brokerctl watch Accelerometer read --interval 100ms
  brokerctl -b camera watch Camera capture --count 8`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.Dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return watch(cmd.Context(), c, cmd.OutOrStdout(), args[0], args[1], args[2:], opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.Count, "count", "n", 0, "stop after this many records (0: until interrupted)")
	f.DurationVar(&opts.Interval, "interval", 0, "read interval (default: broker default)")
	f.IntVar(&opts.Buffer, "buffer", 0, "records kept by the broker before dropping the oldest")
	return cmd
}

func watch(ctx context.Context, c *client.Client, w io.Writer, capName, op string, pairs []string, opts WatchOptions) error {
	args, err := ParseArgs(pairs)
	if err != nil {
		return err
	}
	h, err := c.Acquire(ctx, capName, 0)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", capName, err)
	}
	defer func() { _ = h.Release(context.WithoutCancel(ctx)) }()

	s, err := h.Subscribe(ctx, op, args, opts.SubscribeOptions)
	if err != nil {
		return fmt.Errorf("subscribe %s.%s: %w", capName, op, err)
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()

	for n := 0; opts.Count == 0 || n < opts.Count; n++ {
		rec, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Fprintf(w, "#%d %s", rec.Seq, rec.Timestamp.Format("15:04:05.000"))
		if rec.Dropped > 0 {
			fmt.Fprintf(w, " (+%d dropped)", rec.Dropped)
		}
		fmt.Fprintf(w, " %s\n", FormatValue(rec.Value))
	}
	return nil
}
