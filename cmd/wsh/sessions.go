package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wsh-dev/wsh/internal/ctl"
)

// sessionCache remembers the most recent session per host so `wsh
// attach` can present the reattach token without re-authenticating.
type sessionCache map[string]cachedSession

type cachedSession struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"` // base64
	SavedAt   time.Time `json:"saved_at"`
}

func cachePath(userDir string) string {
	return filepath.Join(userDir, "sessions.json")
}

func loadSessionCache(userDir string) sessionCache {
	cache := make(sessionCache)
	data, err := os.ReadFile(cachePath(userDir))
	if err != nil {
		return cache
	}
	_ = json.Unmarshal(data, &cache)
	return cache
}

func (c sessionCache) save(userDir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cachePath(userDir), data, 0o600)
}

func saveSessionToken(userDir, host, sessionID string, tok []byte) error {
	cache := loadSessionCache(userDir)
	cache[host] = cachedSession{
		SessionID: sessionID,
		Token:     base64.StdEncoding.EncodeToString(tok),
		SavedAt:   time.Now(),
	}
	return cache.save(userDir)
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on the local daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, userDir, err := settings()
			if err != nil {
				return err
			}
			cc, err := ctl.Dial(userDir)
			if err != nil {
				return err
			}
			defer cc.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sessions, err := cc.ListSessions(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				cmd.Println("no live sessions")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tLABEL\tATTACHED\tAGE\tOUTPUT")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n",
					s.ID, s.Username, s.Label, s.AttachedCount,
					time.Since(s.CreatedAt).Round(time.Second), s.TotalWritten)
			}
			return w.Flush()
		},
	}
}

func attachCmd() *cobra.Command {
	var modeFlag string
	var labelFlag string
	cmd := &cobra.Command{
		Use:   "attach [user@]host [session-id]",
		Short: "Reattach to a live session, replaying recent output",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, userDir, err := settings()
			if err != nil {
				return err
			}
			_, host := parseTarget(args[0])
			cached, ok := loadSessionCache(userDir)[host]
			if !ok {
				return fmt.Errorf("no cached session for %s; connect first", host)
			}
			sessionID := cached.SessionID
			if len(args) == 2 {
				sessionID = args[1]
			}
			tok, err := base64.StdEncoding.DecodeString(cached.Token)
			if err != nil {
				return fmt.Errorf("corrupt session cache: %w", err)
			}

			ctx := context.Background()
			c, _, err := dialTarget(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			ch, err := c.Attach(ctx, sessionID, tok, modeFlag, labelFlag)
			if err != nil {
				return err
			}
			return runInteractive(ctx, c, ch)
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "control", "attach mode: control|view")
	cmd.Flags().StringVar(&labelFlag, "label", "", "device label shown in presence")
	return cmd
}

func detachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach [host]",
		Short: "Forget the cached session token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, userDir, err := settings()
			if err != nil {
				return err
			}
			cache := loadSessionCache(userDir)
			if len(args) == 1 {
				_, host := parseTarget(args[0])
				delete(cache, host)
			} else {
				cache = make(sessionCache)
			}
			return cache.save(userDir)
		},
	}
}
