package main

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wsh-dev/wsh/internal/protocol"
)

func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec [user@]host cmd...",
		Short: "Run a one-shot command and propagate its exit code",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, _, err := dialTarget(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			command := strings.Join(args[1:], " ")
			cols, rows := terminalSize()
			ch, err := c.OpenExec(ctx, command, cols, rows)
			if err != nil {
				return err
			}

			go func() {
				buf := make([]byte, 32*1024)
				for {
					n, rerr := os.Stdin.Read(buf)
					if n > 0 {
						if werr := ch.Stream.WriteAll(buf[:n]); werr != nil {
							return
						}
					}
					if rerr != nil {
						return
					}
				}
			}()
			done := make(chan struct{})
			go func() {
				_, _ = io.Copy(os.Stdout, ch.Stream)
				close(done)
			}()

			select {
			case code := <-ch.Exited():
				<-done
				if code != 0 {
					os.Exit(int(code))
				}
				return nil
			case <-c.Done():
				return nil
			}
		},
	}
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools [user@]host",
		Short: "List the server's MCP bridge tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, _, err := dialTarget(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			tools, err := c.Tools(ctx)
			if err != nil {
				return err
			}
			printTools(cmd, tools)
			return nil
		},
	}
}

func printTools(cmd *cobra.Command, tools []protocol.ToolInfo) {
	for _, t := range tools {
		if t.Description != "" {
			cmd.Printf("%-20s %s\n", t.Name, t.Description)
		} else {
			cmd.Println(t.Name)
		}
	}
}
