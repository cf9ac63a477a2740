// Command wshd is the wsh server daemon: it terminates QUIC and
// WebSocket transports, authenticates clients, and hosts their sessions,
// channels, and gateways.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wsh-dev/wsh/internal/authkeys"
	"github.com/wsh-dev/wsh/internal/config"
	"github.com/wsh-dev/wsh/internal/ctl"
	"github.com/wsh-dev/wsh/internal/identity"
	"github.com/wsh-dev/wsh/internal/keystore"
	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/server"
	"github.com/wsh-dev/wsh/internal/sessionstore"
	"github.com/wsh-dev/wsh/internal/token"
)

const hostKeyName = "host"

func main() {
	var (
		portFlag     int
		configFlag   string
		logLevelFlag string
		logFileFlag  string
		noQUICFlag   bool
		noWSFlag     bool
	)

	root := &cobra.Command{
		Use:   "wshd",
		Short: "wsh server daemon",
		Long:  "Serves wsh sessions over QUIC and WebSocket: authenticated PTY channels, file transfer, TCP/UDP gateways, and reverse tunnels.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevelFlag, logFileFlag); err != nil {
				return err
			}
			defer logger.Close()
			return run(portFlag, configFlag, noQUICFlag, noWSFlag)
		},
	}
	root.Flags().IntVarP(&portFlag, "port", "p", 0, "listen port (default from config, 4422)")
	root.Flags().StringVar(&configFlag, "config", "", "config file directory override")
	root.Flags().StringVar(&logLevelFlag, "log-level", "info", "debug|info|warn|error")
	root.Flags().StringVar(&logFileFlag, "log-file", "", "duplicate logs to this file")
	root.Flags().BoolVar(&noQUICFlag, "no-quic", false, "disable the QUIC listener")
	root.Flags().BoolVar(&noWSFlag, "no-ws", false, "disable the WebSocket listener")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wshd:", err)
		os.Exit(1)
	}
}

func run(portFlag int, configDirOverride string, noQUIC, noWS bool) error {
	userDir, err := config.GetUserConfigDir()
	if err != nil {
		return err
	}
	if configDirOverride != "" {
		userDir = configDirOverride
	}
	projectDir, err := config.GetProjectDir()
	if err != nil {
		return err
	}
	if err := config.EnsureConfigDirs(userDir, projectDir); err != nil {
		return err
	}

	mgr := config.NewManager()
	if err := mgr.Load(userDir, projectDir); err != nil {
		return err
	}
	cfg := mgr.Get()
	port := cfg.Port
	if portFlag != 0 {
		port = portFlag
	}

	secret, err := token.GenerateSecret()
	if err != nil {
		return err
	}

	hostKey, err := keystore.Load(config.KeysDir(userDir), hostKeyName)
	if err != nil {
		hostKey, err = keystore.Generate(config.KeysDir(userDir), hostKeyName, "wshd host key")
		if err != nil {
			return err
		}
		logger.Info("generated host key", "fingerprint", hostKey.Fingerprint())
	}

	authorized, err := loadAuthorizedIndex(userDir)
	if err != nil {
		return err
	}
	passwords, err := loadPasswords(filepath.Join(userDir, "passwd"))
	if err != nil {
		return err
	}

	store, err := sessionstore.Open(filepath.Join(userDir, "history.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := server.New(server.Options{
		Config:          cfg,
		Secret:          secret,
		AuthorizedKeys:  authorized,
		Passwords:       passwords,
		HostFingerprint: hostKey.Fingerprint(),
		RecordingsDir:   config.RecordingsDir(userDir),
		Store:           store,
	})
	if err != nil {
		return err
	}

	// Live reload: authorized_keys edits take effect without a restart.
	stopWatch, err := mgr.Watch(userDir, projectDir, func(path string) {
		if filepath.Base(path) != "authorized_keys" {
			return
		}
		fresh, err := loadAuthorizedIndex(userDir)
		if err != nil {
			logger.Warn("authorized_keys reload failed", "error", err)
			return
		}
		replaceIndex(authorized, fresh)
		logger.Info("authorized_keys reloaded", "entries", authorized.Len())
	})
	if err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctlSrv, err := ctl.NewServer(srv, userDir)
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)
	if !noQUIC {
		go func() { errCh <- srv.ServeQUIC(ctx, fmt.Sprintf(":%d", port)) }()
	}
	if !noWS {
		go func() { errCh <- srv.ServeWS(ctx, fmt.Sprintf(":%d", port)) }()
	}
	go func() { errCh <- ctlSrv.Serve(ctx) }()
	go srv.RunGC(ctx, time.Minute)

	logger.Info("wshd up", "port", port, "host_fingerprint", hostKey.Fingerprint(), "authorized_keys", authorized.Len())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		srv.Shutdown("server shutting down", 30*time.Second)
		return nil
	case err := <-errCh:
		if err != nil {
			srv.Shutdown("listener failed", 0)
		}
		return err
	}
}

// loadAuthorizedIndex reads ~/.wsh/authorized_keys, falling back to
// ~/.ssh/authorized_keys.
func loadAuthorizedIndex(userDir string) (*identity.Index, error) {
	entries, err := authkeys.LoadAuthorizedKeysFile(config.AuthorizedKeysPath(userDir))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		home, herr := os.UserHomeDir()
		if herr == nil {
			entries, err = authkeys.LoadAuthorizedKeysFile(filepath.Join(home, ".ssh", "authorized_keys"))
			if err != nil {
				return nil, err
			}
		}
	}
	return authkeys.ToIndex(entries), nil
}

// replaceIndex swaps dst's membership for src's in place, so handles
// held by the running handshake config observe the update.
func replaceIndex(dst, src *identity.Index) {
	for fp := range dst.Entries() {
		dst.Remove(fp)
	}
	for fp, principal := range src.Entries() {
		dst.Insert(fp, principal)
	}
}

// loadPasswords parses an optional "username sha256:<hex>" per-line
// password file. A missing file disables password auth lookups.
func loadPasswords(path string) (func(string) (string, bool), error) {
	table := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return func(string) (string, bool) { return "", false }, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		table[fields[0]] = fields[1]
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return func(username string) (string, bool) {
		stored, ok := table[username]
		return stored, ok
	}, nil
}
