package cli

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/fabstream/pkg/engine"
	"github.com/marmos91/fabstream/pkg/fabric"
)

func newPutCmd() *cobra.Command {
	var (
		reregister bool
		contiguous bool
	)

	cmd := &cobra.Command{
		Use:   "fput [-r] [-g] <peer-address>",
		Short: "Stream bytes to a peer over the RDMA fabric",
		Long: `fput connects to a listening fget peer and RDMA-writes a bytestream
into the memory windows the peer advertises, reporting delivery-complete
progress as it goes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rt, err := setup("fput")
			if err != nil {
				return err
			}
			defer rt.close()

			hints := &fabric.Info{
				Caps: fabric.FlagMsg | fabric.FlagRMA |
					fabric.FlagRemoteWrite | fabric.FlagWrite,
			}
			info, err := fabric.GetInfo(args[0], rt.cfg.Transfer.Service, false, hints)
			if err != nil {
				return err
			}

			eng, err := engine.New(rt.ctx, info, engine.Options{
				Reregister: reregister || rt.cfg.Transfer.Reregister,
				Contiguous: contiguous || rt.cfg.Transfer.Contiguous,
				EntireLen:  rt.entireLen(),
				Metrics:    rt.engineMetrics,
			})
			if err != nil {
				return err
			}
			return eng.RunPut()
		},
	}

	cmd.Flags().BoolVarP(&reregister, "reregister", "r", false,
		"register each payload buffer per write, deregister on completion")
	cmd.Flags().BoolVarP(&contiguous, "contiguous", "g", false,
		"force single-segment RDMA writes")
	return cmd
}
