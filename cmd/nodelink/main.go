// Command nodelink runs a websocket hub, serves a node, or calls and
// listens to remote nodes over a local, websocket or nats backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/nodelink/config"
	"github.com/vinayprograms/nodelink/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	backend    string
	url        string
	logLevel   string
	nodeID     string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "nodelink",
		Short: "Node-to-node request and subscription messaging",
		Long: `nodelink connects named nodes through a broker. A node asks another
node to run a registered operation and get its result, or to subscribe to
its events and stream them back as signals.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "TOML configuration file")
	pf.StringVar(&g.backend, "backend", "", "backend: local, websocket or nats")
	pf.StringVar(&g.url, "url", "", "websocket or nats URL of the broker")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&g.nodeID, "id", "", "node id of this process")

	root.AddCommand(
		newHubCmd(g),
		newNodeCmd(g),
		newCallCmd(g),
		newListenCmd(g),
	)
	return root
}

// load reads the configuration file, if any, and applies flag overrides.
func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, *logging.Logger, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = g.backend
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if flags.Changed("id") {
		cfg.NodeID = g.nodeID
	}
	if flags.Changed("url") {
		switch cfg.Backend {
		case config.BackendNATS:
			cfg.NATS.URL = g.url
		default:
			cfg.WebSocket.URL = g.url
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logging.New()
	logger.SetLevel(cfg.Level())
	return cfg, logger, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
