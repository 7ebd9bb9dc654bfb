package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cloneforge/clonemgr/internal/dashboard"
	"github.com/cloneforge/clonemgr/internal/manager"
	"github.com/cloneforge/clonemgr/internal/manifest"
	"github.com/cloneforge/clonemgr/internal/store"
	"github.com/cloneforge/clonemgr/pkg/types"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize clonemgr's task store in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := store.PathFromURL(cfg.DatabaseURL)
			if _, err := os.Stat(dbPath); err == nil {
				return fmt.Errorf("already initialized: %s exists", dbPath)
			}

			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return fmt.Errorf("creating task store directory: %w", err)
			}
			st, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("creating task store: %w", err)
			}
			defer st.Close()

			fmt.Printf("initialized clonemgr task store at %s\n", dbPath)
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	var (
		peerID    string
		repoName  string
		token     string
		password  string
		worktree  string
		peerAddr  string
		peerPort  string
		email     string
		manifestPath string
	)

	cmd := &cobra.Command{
		Use:   "add <repo-id>",
		Short: "Admit one clone task, or a batch via --manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, runCtx, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			_ = runCtx

			var requests []manager.AddTaskArgs

			if manifestPath != "" {
				entries, err := manifest.Parse(manifestPath)
				if err != nil {
					return fmt.Errorf("parsing manifest: %w", err)
				}
				for _, e := range entries {
					requests = append(requests, manager.AddTaskArgs{
						RepoID:   e.RepoID,
						PeerID:   e.PeerID,
						RepoName: e.RepoName,
						Token:    e.Token,
						Password: []byte(e.Password),
						Worktree: e.Worktree,
						PeerAddr: e.PeerAddr,
						PeerPort: e.PeerPort,
						Email:    e.Email,
					})
				}
			} else {
				if len(args) != 1 {
					return fmt.Errorf("repo-id is required unless --manifest is given")
				}
				if peerID == "" || worktree == "" {
					return fmt.Errorf("--peer-id and --worktree are required")
				}
				requests = append(requests, manager.AddTaskArgs{
					RepoID:   args[0],
					PeerID:   peerID,
					RepoName: repoName,
					Token:    token,
					Password: []byte(password),
					Worktree: worktree,
					PeerAddr: peerAddr,
					PeerPort: peerPort,
					Email:    email,
				})
			}

			for _, req := range requests {
				repoID, err := rt.mgr.AddTask(ctx, req)
				if err != nil {
					fmt.Fprintf(os.Stderr, "clonemgr: admitting %s: %v\n", req.RepoID, err)
					continue
				}
				fmt.Printf("admitted %s\n", repoID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&peerID, "peer-id", "", "peer identifier (40 chars)")
	cmd.Flags().StringVar(&repoName, "repo-name", "", "repository display name")
	cmd.Flags().StringVar(&token, "token", "", "authentication token")
	cmd.Flags().StringVar(&password, "password", "", "decryption password, for encrypted repositories")
	cmd.Flags().StringVar(&worktree, "worktree", "", "target worktree path")
	cmd.Flags().StringVar(&peerAddr, "peer-addr", "", "peer host/address")
	cmd.Flags().StringVar(&peerPort, "peer-port", "", "peer port")
	cmd.Flags().StringVar(&email, "email", "", "committer email, used as a merge label")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "YAML manifest file or folder to admit in bulk")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <repo-id>",
		Short: "Request cancellation of an in-flight clone task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.mgr.CancelTask(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("cancel requested for %s\n", args[0])
			return nil
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <repo-id>",
		Short: "Drop a terminal task from the in-memory map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.mgr.RemoveTask(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <repo-id>",
		Short: "Show one task's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			snap, err := rt.mgr.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			printSnapshot(snap)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every in-memory task",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			snaps, err := rt.mgr.ListTasks(ctx)
			if err != nil {
				return err
			}
			for _, snap := range snaps {
				printSnapshot(snap)
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the manager continuously with the read-only dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.DashboardAddr = addr
			}

			ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stopSignals()

			rt, _, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			rt.mgr.SetNotifier(dashboard.BroadcastTaskEvent)

			dash, err := dashboard.New(dashboard.Config{Addr: cfg.DashboardAddr, Manager: rt.mgr})
			if err != nil {
				return fmt.Errorf("starting dashboard: %w", err)
			}

			errCh := make(chan error, 1)
			go func() { errCh <- dash.Start() }()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				dash.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("dashboard server: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "dashboard listen address (default from config)")
	return cmd
}

func probeCmd() *cobra.Command {
	var (
		addr    string
		port    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "One-shot TCP connectivity check against a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" || port == "" {
				return fmt.Errorf("--addr and --port are required")
			}
			target := net.JoinHostPort(addr, port)
			conn, err := net.DialTimeout("tcp", target, timeout)
			if err != nil {
				fmt.Printf("unreachable: %s (%v)\n", target, err)
				return err
			}
			conn.Close()
			fmt.Printf("reachable: %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "peer host/address")
	cmd.Flags().StringVar(&port, "port", "", "peer port")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "dial timeout")
	return cmd
}

func printSnapshot(snap types.Snapshot) {
	fmt.Printf("%s\tstate=%s\tpeer=%s\tworktree=%s", snap.RepoID, snap.State, snap.PeerID, snap.Worktree)
	if snap.LastError != "" && snap.LastError != types.ErrOK {
		fmt.Printf("\terror=%s", snap.LastError)
	}
	fmt.Println()
}
