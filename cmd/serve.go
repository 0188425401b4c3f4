package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kortv/transcoder/internal/serve"
)

func init() {
	service := serve.New()

	command := &cobra.Command{
		Use:   "serve",
		Short: "serve transcoder server",
		Long:  `serve transcoder server`,
		Run:   service.Run,
	}

	configs := service.Configs()

	cobra.OnInitialize(func() {
		for _, cfg := range configs {
			cfg.Set()
		}
		service.Preflight()
	})

	// re-read config values on live reload
	onConfigLoad = append(onConfigLoad, func() {
		for _, cfg := range configs {
			cfg.Set()
		}
	})

	for _, cfg := range configs {
		if err := cfg.Init(command); err != nil {
			log.Panic().Err(err).Msg("unable to run serve command")
		}
	}

	rootCmd.AddCommand(command)
}
