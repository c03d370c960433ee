// Command papers is the thin command-line front end for goactivepapers: it
// wires configuration, logging, and a reference resolver together and
// dispatches to package paper, keeping every substantive operation in the
// library rather than in the CLI itself.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/active-papers/goactivepapers/internal/config"
	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/paper"
	"github.com/active-papers/goactivepapers/internal/plog"
	"github.com/active-papers/goactivepapers/internal/refresolver"
)

var (
	log         *zap.SugaredLogger
	cfgPath     string
	workspace   string
	debugMode   bool
	cacheDir    string
	doiEndpoint string
)

func main() {
	root := &cobra.Command{
		Use:   "papers",
		Short: "Create, inspect, and rebuild provenance-tracking paper containers",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML configuration file")
	root.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace directory for debug logs and caches")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable verbose internal logging and panic-on-codelet-failure")
	root.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "directory for cached DOI-resolved papers (default: <workspace>/.papers/cache)")
	root.PersistentFlags().StringVar(&doiEndpoint, "doi-api", "", "JSON API endpoint template for DOI resolution, e.g. https://api.example.org/dois/%s")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if debugMode {
			zcfg = zap.NewDevelopmentConfig()
		}
		zl, err := zcfg.Build()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		log = zl.Sugar()

		if cacheDir == "" {
			cacheDir = workspace + "/.papers/cache"
		}
		return plog.Initialize(workspace, debugMode, nil)
	}

	root.AddCommand(
		newCreateCmd(),
		newLsCmd(),
		newGroupCmd(),
		newRmCmd(),
		newDummyCmd(),
		newSetCmd(),
		newGetCmd(),
		newExtractCmd(),
		newCalcletCmd(),
		newImportletCmd(),
		newImportModuleCmd(),
		newRunCmd(),
		newUpdateCmd(),
		newRebuildCmd(),
		newCheckinCmd(),
		newCheckoutCmd(),
		newLnCmd(),
		newCpCmd(),
		newRefsCmd(),
		newEditCmd(),
		newConsoleCmd(),
	)

	if err := root.Execute(); err != nil {
		if log != nil {
			log.Errorw("command failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// openPaper opens the paper at filename with a resolver wired to the
// workspace's library path and DOI cache.
func openPaper(filename string) (*paper.Paper, error) {
	var cfg *config.Config
	if cfgPath != "" {
		c, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.DefaultConfig()
	}
	if env := config.LibraryPathFromEnv(); len(env) > 0 {
		cfg.LibraryPath = append(cfg.LibraryPath, env...)
	}

	var providers []refresolver.DOIProvider
	if doiEndpoint != "" {
		providers = append(providers, refresolver.NewAPIProvider(doiEndpoint, os.TempDir()))
	}
	resolver := refresolver.New(cfg, cacheDir, func(path string) (*container.Adapter, error) {
		c, _, err := container.Open(path)
		return c, err
	}, providers...)

	return paper.Open(filename, cfg, resolver, debugMode)
}
