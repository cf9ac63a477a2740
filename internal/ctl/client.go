package ctl

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/wsh-dev/wsh/internal/wsherr"
)

// Client drives a local wshd's control plane.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial connects to the daemon's unix socket under dir and reads its
// auth token.
func Dial(dir string) (*Client, error) {
	tokenData, err := os.ReadFile(filepath.Join(dir, TokenFile))
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "read control token (is wshd running?)", err)
	}
	token := strings.TrimSpace(string(tokenData))

	conn, err := grpc.NewClient(
		"unix://"+filepath.Join(dir, SocketFile),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Transport, "dial control socket", err)
	}
	return &Client{conn: conn, token: token}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", c.token)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	err := c.conn.Invoke(c.authCtx(ctx), "/"+ServiceName+"/"+method, in, out)
	if err != nil {
		return wsherr.Wrap(wsherr.Transport, "control call "+method, err)
	}
	return nil
}

// Status reads the daemon's liveness counters.
func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	out := new(StatusReply)
	if err := c.invoke(ctx, "Status", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessions lists live sessions on the local daemon.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out := new(SessionsReply)
	if err := c.invoke(ctx, "ListSessions", &Empty{}, out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// KillSession removes a live session by id.
func (c *Client) KillSession(ctx context.Context, sessionID string) (bool, error) {
	out := new(KillReply)
	if err := c.invoke(ctx, "KillSession", &KillRequest{SessionID: sessionID}, out); err != nil {
		return false, err
	}
	return out.Removed, nil
}
