package cli

import (
	"os"

	"github.com/spf13/cobra"

	"edu-vision/server/internal/config"
)

// rootOptions 所有子命令共享的全局参数。
type rootOptions struct {
	configPath string
	port       int
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "eduvision",
		Short:         "EduVision tutoring service: HTTP/WebSocket API and terminal chat",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config (defaults only when empty)")
	cmd.PersistentFlags().IntVar(&opts.port, "port", 0, "override server.port")
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newChatCmd(opts))
	return cmd
}

// loadConfig 读取配置并套用命令行覆盖。
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.port > 0 {
		cfg.Server.Port = o.port
	}
	return cfg, nil
}
