package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wsh-dev/wsh/internal/config"
	"github.com/wsh-dev/wsh/internal/identity"
	"github.com/wsh-dev/wsh/internal/keystore"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen [name]",
		Short: "Generate a new Ed25519 identity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, userDir, err := settings()
			if err != nil {
				return err
			}
			name := cfg.Identity
			if len(args) == 1 {
				name = args[0]
			}
			kp, err := keystore.Generate(config.KeysDir(userDir), name, keyComment())
			if err != nil {
				return err
			}
			cmd.Printf("generated %s\nfingerprint: %s\npublic key:  %s\n", name, kp.Fingerprint(), kp.PublicLine(keyComment()))
			return nil
		},
	}
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List identities and their fingerprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, userDir, err := settings()
			if err != nil {
				return err
			}
			names, err := keystore.List(config.KeysDir(userDir))
			if err != nil {
				return err
			}
			if len(names) == 0 {
				cmd.Println("no identities; run `wsh keygen`")
				return nil
			}

			fps := make([]string, 0, len(names))
			pairs := make(map[string]string, len(names))
			for _, name := range names {
				kp, err := keystore.Load(config.KeysDir(userDir), name)
				if err != nil {
					continue
				}
				fp := kp.Fingerprint()
				fps = append(fps, fp)
				pairs[name] = fp
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSHORT\tFINGERPRINT")
			for _, name := range names {
				fp, ok := pairs[name]
				if !ok {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, identity.ShortFingerprint(fp, fps), fp)
			}
			return w.Flush()
		},
	}
}

func copyIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "copy-id [user@]host",
		Short: "Install the current identity's public key on a remote host",
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
			line := kp.PublicLine(keyComment())

			ctx := context.Background()
			c, _, err := dialTarget(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			install := fmt.Sprintf("mkdir -p ~/.wsh && echo '%s' >> ~/.wsh/authorized_keys", line)
			ch, err := c.OpenExec(ctx, install, 80, 24)
			if err != nil {
				return err
			}
			if code := <-ch.Exited(); code != 0 {
				return fmt.Errorf("remote install failed (exit %d)", code)
			}
			cmd.Printf("installed %s on %s\n", kp.Fingerprint(), args[0])
			return nil
		},
	}
}

func keyComment() string {
	u, err := user.Current()
	if err != nil {
		return "wsh"
	}
	host, err := os.Hostname()
	if err != nil {
		return u.Username
	}
	return u.Username + "@" + host
}
