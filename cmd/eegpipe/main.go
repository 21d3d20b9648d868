// Command eegpipe is a developer harness: it loads a pipeline graph
// spec and the engine's ambient configuration, runs the engine for a
// fixed duration (or until interrupted), and exits. It stands in for
// the HTTP control-plane API and its SSE stream, which are out of
// scope for this engine and owned by a separate process in production.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/eegpipe/internal/config"
	"firestige.xyz/eegpipe/internal/graph"
	"firestige.xyz/eegpipe/internal/log"
	"firestige.xyz/eegpipe/internal/pipeline"
)

var (
	configPath string
	graphPath  string
	runFor     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "eegpipe",
	Short: "Run an EEG dataflow pipeline graph standalone",
	Long: `eegpipe loads a pipeline graph specification and runs the real-time
dataflow engine against it for a fixed duration or until interrupted with
SIGINT/SIGTERM. It is a debugging aid, not the production control plane.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "ambient engine config file (YAML); omitted uses built-in defaults")
	rootCmd.Flags().StringVarP(&graphPath, "graph", "g", "", "pipeline graph spec file (YAML or JSON)")
	rootCmd.Flags().DurationVarP(&runFor, "duration", "d", 0, "run for this long then stop automatically; 0 runs until interrupted")
	rootCmd.MarkFlagRequired("graph")
}

func run(cmd *cobra.Command) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("eegpipe: %w", err)
		}
		cfg = *loaded
	}
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("eegpipe: failed to init logging: %w", err)
	}

	spec, err := loadGraphSpec(graphPath)
	if err != nil {
		return fmt.Errorf("eegpipe: %w", err)
	}

	p := pipeline.New(cfg)
	if err := p.Start(spec); err != nil {
		return fmt.Errorf("eegpipe: failed to start pipeline: %w", err)
	}
	log.GetLogger().WithField("graph", graphPath).Info("eegpipe: pipeline running")

	events := p.SubscribeEvents(32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range events {
			if evt.Err != nil {
				log.GetLogger().WithField("kind", evt.Err.Kind.String()).Warn(evt.Err.Error())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if runFor > 0 {
		select {
		case <-time.After(runFor):
		case <-sigCh:
		}
	} else {
		<-sigCh
	}

	log.GetLogger().Info("eegpipe: stopping pipeline")
	return p.Stop()
}

// loadGraphSpec decodes a pipeline graph spec from path, choosing YAML
// or JSON by file extension.
func loadGraphSpec(path string) (graph.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return graph.Spec{}, fmt.Errorf("failed to read graph spec %s: %w", path, err)
	}

	var spec graph.Spec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &spec)
	case ".json":
		err = json.Unmarshal(data, &spec)
	default:
		return graph.Spec{}, fmt.Errorf("unrecognized graph spec extension %q (want .yaml, .yml, or .json)", path)
	}
	if err != nil {
		return graph.Spec{}, fmt.Errorf("failed to decode graph spec %s: %w", path, err)
	}
	return spec, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
