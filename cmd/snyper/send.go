package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/HsiangNianian/snyper/internal/protocol"
	"github.com/HsiangNianian/snyper/internal/transport"
)

func newSendCmd() *cobra.Command {
	var (
		duration int
		timeout  time.Duration
		targetID string
	)
	cmd := &cobra.Command{
		Use:   "send <address> <ping|stand_up|lay_down|activate>",
		Short: "Send one message to a node and print its reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig()
			if err != nil {
				return err
			}
			address := args[0]
			typ, err := protocol.ParseType(args[1])
			if err != nil {
				return err
			}

			opts := []protocol.Option{protocol.WithTargetID(targetID)}
			if typ == protocol.TypeActivate {
				opts = append(opts, protocol.WithPayload(protocol.ActivateData{Duration: duration}))
				if timeout <= 0 {
					timeout = transport.DefaultTimeout + time.Duration(duration)*time.Second
				}
			}
			msg, err := protocol.New(typ, opts...)
			if err != nil {
				return err
			}

			res := transport.NewClient(timeout, logger).SendAndWait(cmd.Context(), msg, address, timeout)
			if !res.OK() {
				return fmt.Errorf("%s after %v: %w", res.Status, res.Elapsed.Round(time.Millisecond), res.Err)
			}
			line, err := protocol.Encode(res.Message)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(line)
			return err
		},
	}
	cmd.Flags().IntVarP(&duration, "duration", "d", 3, "activation window in seconds")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "reply timeout (default 3s, plus the duration for activate)")
	cmd.Flags().StringVar(&targetID, "target-id", "cli", "target_id stamped on the request")
	return cmd
}
