package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/routemesh/internal/netio"
	"github.com/kuuji/routemesh/internal/router"
	"github.com/kuuji/routemesh/internal/runner"
	"github.com/kuuji/routemesh/internal/topology"
)

var (
	validateBackend         string
	validateFloodQuiescence time.Duration
)

var validateCmd = &cobra.Command{
	Use:   "validate <file.toml>",
	Short: "Load a topology, flood it, and print each router's forwarding table",
	Long: `validate parses a topology TOML file, runs every router concurrently
over a socket fabric long enough for link-state flooding to converge, then
prints each router's computed forwarding table. It never starts a client or
server — this is a diagnostic tool, not a live HTTP exchange.

--backend selects the socket implementation:
  fabric  in-memory simulated sockets, the default, no privileges needed
  raw     real SOCK_RAW/IPPROTO_RAW sockets bound to loopback addresses
          (Linux only, requires CAP_NET_RAW)`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateBackend, "backend", "fabric", "socket backend: fabric or raw")
	validateCmd.Flags().DurationVar(&validateFloodQuiescence, "flood-quiescence", 2*time.Second, "per-router flood quiescence window")
}

// bindFor resolves --backend into a Binder plus a cleanup func to run once
// the caller is done with every socket it opened through it.
func bindFor(backend string) (func(netip.Addr) (netio.Socket, error), func() error, error) {
	switch backend {
	case "fabric":
		f := netio.NewFabric()
		return f.Bind, func() error { return nil }, nil
	case "raw":
		return bindRaw, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want fabric or raw)", backend)
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	topo, err := topology.Load(args[0])
	if err != nil {
		return err
	}

	bind, cleanup, err := bindFor(validateBackend)
	if err != nil {
		return err
	}
	defer cleanup()

	routerCfgs, err := topo.RouterConfigs()
	if err != nil {
		return err
	}

	routers := make([]*router.Router, 0, len(routerCfgs))
	var tasks []runner.Task
	for _, cfg := range routerCfgs {
		cfg.Logger = globalLogger
		cfg.FloodQuiescence = validateFloodQuiescence
		r, err := router.New(cfg, bind)
		if err != nil {
			return fmt.Errorf("building router %s: %w", cfg.ID, err)
		}
		routers = append(routers, r)
		tasks = append(tasks, r)
	}

	runCtx, cancel := context.WithTimeout(cmd.Context(), validateFloodQuiescence+5*time.Second)
	defer cancel()

	done := make(chan struct{}, len(tasks))
	for _, t := range tasks {
		t := t
		go func() {
			t.Run(runCtx)
			done <- struct{}{}
		}()
	}

	// Let the mesh flood and converge, then tear every router down — this
	// command only inspects the forwarding tables the flood phase produces,
	// it never enters a forwarding phase of its own.
	select {
	case <-time.After(validateFloodQuiescence + 500*time.Millisecond):
	case <-runCtx.Done():
	}
	cancel()
	for range tasks {
		<-done
	}

	printForwardingTables(routers)
	return nil
}

func printForwardingTables(routers []*router.Router) {
	sort.Slice(routers, func(i, j int) bool { return routers[i].ID() < routers[j].ID() })

	for _, r := range routers {
		fmt.Fprintf(os.Stdout, "Router %s\n", r.ID())

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  DEST\tIFACE\tCOST")
		tbl := r.ForwardingTable()
		dests := make([]string, 0, len(tbl))
		for dest := range tbl {
			dests = append(dests, dest)
		}
		sort.Strings(dests)
		for _, dest := range dests {
			entry := tbl[dest]
			fmt.Fprintf(w, "  %s\t%v\t%v\n", dest, entry[0], entry[1])
		}
		w.Flush()
		fmt.Println()
	}
}
