package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wsh-dev/wsh/internal/config"
	"github.com/wsh-dev/wsh/internal/keystore"
)

func reverseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reverse [user@]relay",
		Short: "Register with a relay and wait for reverse connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, userDir, err := settings()
			if err != nil {
				return err
			}
			kp, err := keystore.Load(config.KeysDir(userDir), cfg.Identity)
			if err != nil {
				return err
			}

			ctx := context.Background()
			c, _, err := dialTarget(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			username, _ := parseTarget(args[0])
			c.OnReverseConnect = func(source string) {
				cmd.Printf("reverse connection requested by %s\n", source)
			}
			if err := c.ReverseRegister(kp.Fingerprint(), username, []string{"pty", "exec"}); err != nil {
				return err
			}
			cmd.Printf("registered %s with relay, waiting (ctrl-c to stop)\n", kp.Fingerprint())

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()
			select {
			case <-sigCtx.Done():
				return nil
			case <-c.Done():
				return fmt.Errorf("relay connection lost")
			}
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers [user@]relay",
		Short: "List peers registered with a relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, _, err := dialTarget(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			peers, err := c.Peers(ctx)
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				cmd.Println("no peers registered")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINGERPRINT\tUSER\tCAPABILITIES\tLAST SEEN")
			for _, p := range peers {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
					p.FingerprintShort, p.Username, p.Capabilities,
					time.Unix(p.LastSeenUnix, 0).Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func reverseConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reverse-connect fingerprint [user@]relay",
		Short: "Ask the relay to broker a connection to a registered peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, _, err := dialTarget(ctx, args[1])
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.ReverseConnectTo(args[0]); err != nil {
				return err
			}
			cmd.Printf("reverse connect to %s requested\n", args[0])
			return nil
		},
	}
}
