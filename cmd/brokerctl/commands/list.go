package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rovekit/rovekit-go/pkg/capability"
)

func newListCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the capabilities of a broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.Dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			descs, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			info := c.Broker()
			fmt.Fprintf(cmd.OutOrStdout(), "broker %s (%s), protocol %s\n", info.Name, info.Family, info.ProtocolVersion)
			writeDescriptors(cmd.OutOrStdout(), descs)
			return nil
		},
	}
}

func writeDescriptors(w io.Writer, descs []capability.Descriptor) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSHARING\tVERSION\tOPERATIONS")
	for _, d := range descs {
		var ops []string
		if spec := d.Kind.Spec(); spec != nil {
			for _, op := range spec.Operations {
				name := op.Name
				if op.Streamable {
					name += "*"
				}
				ops = append(ops, name)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\n", d.Name, d.Sharing, d.Version, ops)
	}
	_ = tw.Flush()
}
