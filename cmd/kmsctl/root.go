package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/NeowayLabs/kmspipe/internal/config"
	"github.com/NeowayLabs/kmspipe/internal/logging"
	"github.com/NeowayLabs/kmspipe/kms"
)

// app is what every subcommand shares once the configuration is loaded.
type app struct {
	cfg *config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		legacy     bool
	)
	a := &app{log: zerolog.Nop()}

	root := &cobra.Command{
		Use:           "kmsctl",
		Short:         "Inspect and drive DRM/KMS outputs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(cmd, configFile); err != nil {
				return err
			}
			if legacy {
				a.cfg.Atomic = false
			}
			cmd.SetContext(logging.WithContext(cmd.Context(), a.log))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/kmspipe/config.yaml)")
	flags.Int("card", 0, "use /dev/dri/cardN")
	flags.String("log-level", "", "trace, debug, info, warn or error")
	flags.BoolVar(&legacy, "legacy", false, "use legacy modesetting even if atomic is available")

	root.AddCommand(newInfoCmd(a), newModesetCmd(a))
	return root
}

func (a *app) load(cmd *cobra.Command, configFile string) error {
	mgr, err := config.NewManager(configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if err := mgr.BindFlag("card", flags.Lookup("card")); err != nil {
		return err
	}
	if err := mgr.BindFlag("logging.level", flags.Lookup("log-level")); err != nil {
		return err
	}
	if err := mgr.Load(); err != nil {
		return err
	}
	a.cfg = mgr.Config()

	level, err := logging.ParseLevel(a.cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.log = logging.New(logging.Config{
		Level:      level,
		Format:     a.cfg.Logging.Format,
		TimeFormat: time.RFC3339,
		Output:     cmd.ErrOrStderr(),
	})
	if file := mgr.ConfigFileUsed(); file != "" {
		a.log.Debug().Str("file", file).Msg("configuration loaded")
	}
	return nil
}

// openGpu opens the configured card and takes it over.
func (a *app) openGpu(backend kms.Backend) (*kms.Gpu, *kms.FileCard, error) {
	card, err := kms.OpenCard(a.cfg.Card, a.log)
	if err != nil {
		return nil, nil, fmt.Errorf("open card %d: %w", a.cfg.Card, err)
	}
	gpu, err := kms.NewGpu(card, kms.Options{
		Logger:        &a.log,
		DisableAtomic: !a.cfg.Atomic,
		Backend:       backend,
	})
	if err != nil {
		card.Close()
		return nil, nil, err
	}
	return gpu, card, nil
}
