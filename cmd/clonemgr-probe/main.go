// Command clonemgr-probe is a standalone connectivity check: dial a peer
// address/port and report whether it is reachable, without opening a task
// store or touching the manager. Useful for a deployment's pre-flight
// health check before handing repo-ids to `clonemgr add`.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	var (
		addr    string
		port    string
		timeout time.Duration
	)

	root := &cobra.Command{
		Use:     "clonemgr-probe",
		Short:   "Check reachability of a clone peer",
		Version: "0.1.0",
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

	root.Flags().StringVar(&addr, "addr", "", "peer host/address")
	root.Flags().StringVar(&port, "port", "", "peer port")
	root.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "dial timeout")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
