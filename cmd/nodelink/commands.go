package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/nodelink/broker"
	"github.com/vinayprograms/nodelink/connection"
	"github.com/vinayprograms/nodelink/node"
	"github.com/vinayprograms/nodelink/operation"
	"github.com/vinayprograms/nodelink/shutdown"
)

// ─── hub ─────────────────────────────────────────────────────────────────────

func newHubCmd(g *globalFlags) *cobra.Command {
	var listen, path string

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run a websocket hub that routes messages between nodes",
		Long: `Run a websocket hub. Every socket is bridged to an in-process broker,
which routes messages by node id. With --id the hub also hosts a node of its
own serving the built-in operations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Hub.Listen = listen
			}
			if cmd.Flags().Changed("path") {
				cfg.Hub.Path = path
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := shutdown.SignalContext(cmd.Context())
			defer stop()

			b := broker.NewLocal(logger)
			hub := broker.NewHub(b, cfg.WebSocket.ConnectionConfig(), logger)

			mux := http.NewServeMux()
			mux.Handle(cfg.Hub.Path, hub)
			srv := &http.Server{Addr: cfg.Hub.Listen, Handler: mux}

			coord := shutdown.New(shutdown.DefaultTimeout, logger)
			coord.Add("http-server", shutdown.PhaseListeners, srv.Shutdown)
			coord.Add("hub", shutdown.PhaseListeners, func(context.Context) error { return hub.Close() })
			coord.Release("broker", shutdown.PhaseBackends, b)

			if cfg.NodeID != "" {
				own, err := node.New(cfg.NodeID, connection.NewLocal(b, logger), node.WithLogger(logger))
				if err != nil {
					return err
				}
				coord.Release("node", shutdown.PhaseNodes, own)
			}

			grp, gctx := errgroup.WithContext(ctx)
			grp.Go(func() error {
				logger.Info("hub_listening", map[string]interface{}{
					"addr": cfg.Hub.Listen,
					"path": cfg.Hub.Path,
				})
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			grp.Go(func() error { return coord.Run(gctx) })
			return grp.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8740", "address to listen on")
	cmd.Flags().StringVar(&path, "path", "/nodelink", "HTTP path of the websocket endpoint")
	return cmd
}

// ─── node ────────────────────────────────────────────────────────────────────

func newNodeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "Run a node serving the built-in operations until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := shutdown.SignalContext(cmd.Context())
			defer stop()

			n, err := openNode(ctx, cfg, logger)
			if err != nil {
				return err
			}
			coord := shutdown.New(shutdown.DefaultTimeout, logger)
			coord.Release("node", shutdown.PhaseNodes, n)
			return coord.Run(ctx)
		},
	}
}

// ─── call ────────────────────────────────────────────────────────────────────

type operationFlags struct {
	target   string
	op       string
	selector string
	locator  string
}

func (o *operationFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.target, "target", "", "node id to send the operation to")
	f.StringVar(&o.op, "op", "", "operation name")
	f.StringVar(&o.selector, "selector", "", "selector kind of the operation target (id, path, xpath)")
	f.StringVar(&o.locator, "locator", "", "selector expression of the operation target")
	_ = cmd.MarkFlagRequired("op")
}

func (o *operationFlags) descriptor(args []string) operation.Descriptor {
	d := operation.Op(o.op, parseArgs(args)...)
	if o.selector != "" || o.locator != "" {
		d = d.On(o.selector, o.locator)
	}
	return d
}

func newCallCmd(g *globalFlags) *cobra.Command {
	o := &operationFlags{}
	cmd := &cobra.Command{
		Use:   "call [args...]",
		Short: "Run one operation on a remote node and print its JSON result",
		Long: `Run one operation on a remote node and print its JSON result.
Arguments that parse as JSON are sent as such; anything else is sent as a
string.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := shutdown.SignalContext(cmd.Context())
			defer stop()

			n, err := openNode(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer n.Release()

			v, err := n.Request(o.target, o.descriptor(args)).Wait(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	o.register(cmd)
	return cmd
}

// ─── listen ──────────────────────────────────────────────────────────────────

func newListenCmd(g *globalFlags) *cobra.Command {
	o := &operationFlags{}
	var method string
	var options []string

	cmd := &cobra.Command{
		Use:   "listen [args...]",
		Short: "Subscribe to events on a remote node and print each signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := shutdown.SignalContext(cmd.Context())
			defer stop()

			n, err := openNode(ctx, cfg, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			sub := n.Listen(o.target, o.descriptor(args), method, parseArgs(options), func(this any, signalArgs []any) {
				mu.Lock()
				defer mu.Unlock()
				if err := printJSON(out, map[string]any{"this": this, "args": signalArgs}); err != nil {
					logger.Warn("print_signal_failed", map[string]interface{}{"error": err.Error()})
				}
			})

			coord := shutdown.New(shutdown.DefaultTimeout, logger)
			coord.Add("subscription", shutdown.PhaseListeners, func(context.Context) error { return sub.Cancel() })
			coord.Release("node", shutdown.PhaseNodes, n)

			if _, err := sub.Wait(ctx); err != nil {
				_ = coord.Shutdown(context.Background())
				return err
			}
			logger.Info("listening", map[string]interface{}{
				"target":          o.target,
				"subscription_id": sub.ID(),
			})
			return coord.Run(ctx)
		},
	}
	o.register(cmd)
	cmd.Flags().StringVar(&method, "method", "", "event name to subscribe to")
	cmd.Flags().StringSliceVar(&options, "option", nil, "subscription option (repeatable)")
	return cmd
}

// parseArgs decodes each argument as JSON, falling back to the raw string.
func parseArgs(raw []string) []any {
	if len(raw) == 0 {
		return nil
	}
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		out[i] = v
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
