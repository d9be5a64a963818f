package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rovekit/rovekit-go/pkg/client"
)

func newInvokeCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "invoke CAPABILITY OP [KEY=VALUE...]",
		Short: "Acquire a capability, run one operation and release it",
		Example: `  brokerctl invoke BatteryVoltageReader millivolts
  brokerctl invoke LEDs set_led led=red on=true
  brokerctl invoke LEDs set_many_leds 'leds=[[red, false], [blue, true]]'
  brokerctl -b display invoke Console write_text 'text="hello there"'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.Dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return invokeOnce(cmd.Context(), c, cmd.OutOrStdout(), args[0], args[1], args[2:])
		},
	}
}

func invokeOnce(ctx context.Context, c *client.Client, w io.Writer, capName, op string, pairs []string) error {
	args, err := ParseArgs(pairs)
	if err != nil {
		return err
	}
	h, err := c.Acquire(ctx, capName, 0)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", capName, err)
	}
	defer func() { _ = h.Release(context.WithoutCancel(ctx)) }()

	start := time.Now()
	result, err := h.Invoke(ctx, op, args)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", capName, op, err)
	}
	fmt.Fprintf(w, "%s (%s)\n", FormatValue(result), time.Since(start).Round(time.Microsecond))
	return nil
}
