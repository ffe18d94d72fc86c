package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-beamctl/control"
	"github.com/arloliu/go-beamctl/logger"
	"github.com/arloliu/go-beamctl/transport/wstransport"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	device     string
	logLevel   string
	timeout    time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "beamctl",
	Short: "Drive a laser machine over its control channel",
	Long:  "beamctl connects to a configured laser machine and runs task, file and raw motion commands.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.SetLevel(logger.ParseLevel(rootFlags.logLevel))
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.configPath, "config", "devices.yaml", "Device file")
	f.StringVarP(&rootFlags.device, "device", "d", "", "Device name from the device file (default: first device)")
	f.StringVar(&rootFlags.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	f.DurationVar(&rootFlags.timeout, "timeout", 5*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(quitCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(fwUpdateCmd)
	rootCmd.AddCommand(rawCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withSession selects the device, connects a session and runs fn. The session is
// killed afterwards.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *control.Session) error) error {
	cfg, err := LoadConfig(rootFlags.configPath)
	if err != nil {
		return err
	}

	dev, err := cfg.Device(rootFlags.device)
	if err != nil {
		return err
	}

	opts, err := dev.SessionOptions()
	if err != nil {
		return err
	}

	log := logger.With("device", dev.Name)
	opts = append(opts, control.WithLogger(log))
	if dev.AuxURL != "" {
		opts = append(opts, control.WithAuxiliaryTransport(wstransport.New(dev.AuxURL, wstransport.WithLogger(log))))
	}

	s, err := control.NewSession(dev.Name, wstransport.New(dev.URL, wstransport.WithLogger(log)), opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), rootFlags.timeout)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", dev.Name, err)
	}

	defer func() {
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer killCancel()

		if err := s.KillSelf(killCtx); err != nil {
			log.Warn("kill session failed", "error", err)
		}
	}()

	return fn(ctx, s)
}
