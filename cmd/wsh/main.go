// Command wsh is the wsh client: interactive shells, one-shot commands,
// file copies, key management, relay operations, and session control
// against a wshd.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wsh-dev/wsh/internal/authkeys"
	"github.com/wsh-dev/wsh/internal/client"
	"github.com/wsh-dev/wsh/internal/config"
	"github.com/wsh-dev/wsh/internal/keystore"
	"github.com/wsh-dev/wsh/internal/logger"
)

// rootOpts are the global flags shared by every subcommand.
type rootOpts struct {
	port      int
	identity  string
	transport string
	configDir string
	verbose   bool
}

var opts rootOpts

func main() {
	root := &cobra.Command{
		Use:   "wsh",
		Short: "wsh — remote shells over QUIC and WebSocket",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			return logger.Init(level, "")
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().IntVarP(&opts.port, "port", "p", 0, "server port (default 4422)")
	root.PersistentFlags().StringVarP(&opts.identity, "identity", "i", "", "identity key name (default \"default\")")
	root.PersistentFlags().StringVarP(&opts.transport, "transport", "t", "", "transport: auto|ws|wt")
	root.PersistentFlags().StringVar(&opts.configDir, "config", "", "config directory override")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		connectCmd(),
		execCmd(),
		scpCmd(),
		keygenCmd(),
		keysCmd(),
		copyIDCmd(),
		sessionsCmd(),
		attachCmd(),
		detachCmd(),
		reverseCmd(),
		peersCmd(),
		reverseConnectCmd(),
		toolsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wsh:", err)
		os.Exit(1)
	}
}

// settings resolves the merged config plus flag overrides.
func settings() (*config.Config, string, error) {
	userDir, err := config.GetUserConfigDir()
	if err != nil {
		return nil, "", err
	}
	if opts.configDir != "" {
		userDir = opts.configDir
	}
	projectDir, err := config.GetProjectDir()
	if err != nil {
		return nil, "", err
	}
	mgr := config.NewManager()
	if err := mgr.Load(userDir, projectDir); err != nil {
		return nil, "", err
	}
	cfg := mgr.Get()
	if opts.port != 0 {
		cfg.Port = opts.port
	}
	if opts.identity != "" {
		cfg.Identity = opts.identity
	}
	if opts.transport != "" {
		cfg.Transport = opts.transport
	}
	return cfg, userDir, nil
}

// parseTarget splits "[user@]host" into its parts, defaulting the user
// to the local account name.
func parseTarget(target string) (username, host string) {
	if at := strings.IndexByte(target, '@'); at >= 0 {
		return target[:at], target[at+1:]
	}
	if u, err := user.Current(); err == nil {
		return u.Username, target
	}
	return "wsh", target
}

// dialTarget connects and authenticates to [user@]host, running the
// known_hosts trust check before returning.
func dialTarget(ctx context.Context, target string) (*client.Client, string, error) {
	cfg, userDir, err := settings()
	if err != nil {
		return nil, "", err
	}
	username, host := parseTarget(target)

	key, err := keystore.Load(config.KeysDir(userDir), cfg.Identity)
	if err != nil {
		return nil, "", fmt.Errorf("load identity %q (run `wsh keygen` first): %w", cfg.Identity, err)
	}

	c, err := client.Dial(ctx, client.Options{
		Host:      host,
		Port:      cfg.Port,
		Transport: cfg.Transport,
		Username:  username,
		Key:       key,
	})
	if err != nil {
		return nil, "", err
	}

	if err := checkHostTrust(userDir, host, c.HostFingerprint); err != nil {
		_ = c.Close()
		return nil, "", err
	}
	c.Run(ctx)
	return c, userDir, nil
}

// checkHostTrust runs the known_hosts policy: remember new hosts after
// confirmation, hard-fail on a changed fingerprint.
func checkHostTrust(userDir, host, fingerprint string) error {
	kh, err := authkeys.LoadKnownHosts(config.KnownHostsPath(userDir))
	if err != nil {
		return err
	}
	status, expected := kh.Lookup(host, fingerprint)
	switch status {
	case authkeys.Known:
		return nil
	case authkeys.Changed:
		return fmt.Errorf("host key for %s changed: expected %s, got %s — refusing to connect", host, expected, fingerprint)
	default:
		fmt.Fprintf(os.Stderr, "The authenticity of host %q can't be established.\nFingerprint: %s\nAre you sure you want to continue connecting (yes/no)? ", host, fingerprint)
		sc := bufio.NewScanner(os.Stdin)
		if !sc.Scan() || strings.TrimSpace(sc.Text()) != "yes" {
			return fmt.Errorf("host key verification failed")
		}
		return kh.Remember(host, fingerprint)
	}
}
