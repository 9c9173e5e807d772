package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/therapist/internal/config"
	logpkg "github.com/kailas-cloud/therapist/internal/logger"
)

var (
	configPath string
	envName    string
)

var rootCmd = &cobra.Command{
	Use:   "therapist",
	Short: "Retrieval augmented context for a supportive chat assistant",
	Long: `therapist builds a vector index from a folder of PDFs and fuses web search
results with knowledge base passages into a single context for every query.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default: config/<env>.yaml)")
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "environment name: local, dev, prod (default: $ENV or local)")
}

func env() string {
	if envName != "" {
		return envName
	}
	return config.GetEnv()
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load(env())
}

// bootstrap loads configuration and builds the process logger.
func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logpkg.NewLogger(env(), cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, logger, nil
}
