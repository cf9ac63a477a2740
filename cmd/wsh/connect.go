package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wsh-dev/wsh/internal/client"
)

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect [user@]host",
		Short: "Open an interactive shell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, userDir, err := dialTarget(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			_, host := parseTarget(args[0])
			if err := saveSessionToken(userDir, host, c.SessionID, c.Token); err != nil {
				// Reattach convenience only; the shell still works.
				cmd.PrintErrf("warning: could not cache session token: %v\n", err)
			}

			cols, rows := terminalSize()
			ch, err := c.OpenShell(ctx, cols, rows, map[string]string{"TERM": os.Getenv("TERM")})
			if err != nil {
				return err
			}
			return runInteractive(ctx, c, ch)
		},
	}
}

func terminalSize() (uint16, uint16) {
	w, h, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 80, 24
	}
	return uint16(w), uint16(h)
}

// runInteractive puts the local terminal in raw mode and shuttles bytes
// until the remote channel exits, forwarding window resizes as they
// happen.
func runInteractive(ctx context.Context, c *client.Client, ch *client.RemoteChannel) error {
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err == nil {
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			cols, rows := terminalSize()
			_ = ch.Resize(cols, rows)
		}
	}()

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := ch.Stream.WriteAll(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	outDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(os.Stdout, ch.Stream)
		close(outDone)
	}()

	select {
	case code := <-ch.Exited():
		if oldState != nil {
			_ = term.Restore(int(os.Stdin.Fd()), oldState)
		}
		if code != 0 {
			os.Exit(int(code))
		}
		return nil
	case <-outDone:
		// The data stream ended without an EXIT envelope (detach, remote
		// sink drop): the session is still live server-side.
		return nil
	case <-c.Done():
		return nil
	}
}
