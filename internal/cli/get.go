package cli

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/fabstream/pkg/engine"
	"github.com/marmos91/fabstream/pkg/fabric"
)

func newGetCmd() *cobra.Command {
	var (
		bindAddress string
		reregister  bool
	)

	cmd := &cobra.Command{
		Use:   "fget [-b <bind-address>] [-r]",
		Short: "Receive a bytestream from a peer over the RDMA fabric",
		Long: `fget listens for one fput peer, lends it registered memory windows to
RDMA-write into, and releases the received bytestream to its sink as
progress acks arrive.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			rt, err := setup("fget")
			if err != nil {
				return err
			}
			defer rt.close()

			bind := bindAddress
			if bind == "" {
				bind = rt.cfg.Transfer.BindAddress
			}

			hints := &fabric.Info{
				Caps: fabric.FlagMsg | fabric.FlagRMA |
					fabric.FlagRemoteWrite | fabric.FlagWrite,
			}
			info, err := fabric.GetInfo(bind, rt.cfg.Transfer.Service, true, hints)
			if err != nil {
				return err
			}

			eng, err := engine.New(rt.ctx, info, engine.Options{
				Reregister: reregister || rt.cfg.Transfer.Reregister,
				Contiguous: rt.cfg.Transfer.Contiguous,
				EntireLen:  rt.entireLen(),
				Metrics:    rt.engineMetrics,
			})
			if err != nil {
				return err
			}
			return eng.RunGet()
		},
	}

	cmd.Flags().StringVarP(&bindAddress, "bind", "b", "", "local address to bind")
	cmd.Flags().BoolVarP(&reregister, "reregister", "r", false,
		"register each payload buffer per write, deregister on completion")
	return cmd
}
