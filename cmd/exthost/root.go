package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/toolink/exthost/config"
	"github.com/toolink/exthost/extension"
	"github.com/toolink/exthost/resolvers/randomvalue"
	"github.com/toolink/exthost/resolvers/weather"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// deps are the process-wide components resolvers may need at construction.
type deps struct {
	cfg    *config.Config
	shared redis.UniversalClient
}

// catalog lists the resolvers this binary can host.
func catalog(d deps) *extension.Catalog {
	c := extension.NewCatalog()
	_ = c.Register(randomvalue.Name, func() extension.Resolver {
		return randomvalue.New()
	})
	_ = c.Register(weather.Name, func() extension.Resolver {
		var opts []weather.Option
		if d.cfg.Refresh.Shared && d.shared != nil {
			opts = append(opts, weather.WithSharedStore(d.shared))
		}
		return weather.New(opts...)
	})
	return c
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "exthost",
		Short:         "Run a host extension",
		Long:          `exthost serves one extension resolver to the host engine over gRPC until the host shuts it down.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to the YAML configuration file")

	// the catalog is only consulted for names here; serve builds its own
	for _, name := range catalog(deps{cfg: config.Default()}).Names() {
		root.AddCommand(newServeCmd(name))
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version of exthost",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "exthost version %s\n", Version)
		},
	})
	return root
}

func newServeCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Serve the %s extension", name),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, name)
		},
	}
}
