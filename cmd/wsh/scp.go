package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// remoteSpec is one side of an scp pair: host non-empty means remote.
type remoteSpec struct {
	target string // [user@]host
	path   string
}

func parseSpec(s string) remoteSpec {
	// host:path — but a slash before the first colon means a local path
	// that happens to contain one.
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return remoteSpec{path: s}
	}
	if slash := strings.IndexByte(s, '/'); slash != -1 && slash < i {
		return remoteSpec{path: s}
	}
	return remoteSpec{target: s[:i], path: s[i+1:]}
}

func scpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scp src dst",
		Short: "Copy a file to or from a remote host (host:path on either side)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := parseSpec(args[0]), parseSpec(args[1])
			switch {
			case src.target != "" && dst.target != "":
				return fmt.Errorf("remote-to-remote copies are not supported")
			case src.target != "":
				return download(src, dst.path)
			case dst.target != "":
				return upload(src.path, dst)
			default:
				return fmt.Errorf("at least one side must be host:path")
			}
		},
	}
}

func download(src remoteSpec, localPath string) error {
	ctx := context.Background()
	c, _, err := dialTarget(ctx, src.target)
	if err != nil {
		return err
	}
	defer c.Close()

	ch, err := c.OpenFile(ctx, src.path, "send")
	if err != nil {
		return err
	}

	if fi, err := os.Stat(localPath); err == nil && fi.IsDir() {
		localPath = filepath.Join(localPath, filepath.Base(src.path))
	}
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := io.Copy(f, ch.Stream)
	if err != nil {
		return err
	}
	if code := <-ch.Exited(); code != 0 {
		return fmt.Errorf("remote read failed (exit %d)", code)
	}
	fmt.Printf("%s -> %s (%d bytes)\n", src.path, localPath, n)
	return nil
}

func upload(localPath string, dst remoteSpec) error {
	ctx := context.Background()
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	c, _, err := dialTarget(ctx, dst.target)
	if err != nil {
		return err
	}
	defer c.Close()

	path := dst.path
	if path == "" || strings.HasSuffix(path, "/") {
		path = path + filepath.Base(localPath)
	}
	ch, err := c.OpenFile(ctx, path, "recv")
	if err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	var n int64
	for {
		r, rerr := f.Read(buf)
		if r > 0 {
			if werr := ch.Stream.WriteAll(buf[:r]); werr != nil {
				return werr
			}
			n += int64(r)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	_ = ch.Stream.Close()

	if code := <-ch.Exited(); code != 0 {
		return fmt.Errorf("remote write failed (exit %d)", code)
	}
	fmt.Printf("%s -> %s:%s (%d bytes)\n", localPath, dst.target, path, n)
	return nil
}
