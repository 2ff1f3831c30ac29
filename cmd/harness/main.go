package main

import (
	"fmt"
	"os"

	"github.com/apk-analysis/app-compat-harness/internal/api"
	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configFile string
	v          = viper.New()
)

func main() {
	api.Version = Version

	rootCmd := &cobra.Command{
		Use:   "harness",
		Short: "Android app compatibility test harness",
		Long: `harness launches or crawls Android packages on a device reached through adb,
records the screen while the app runs and reports every crash or ANR that the
device's dropbox attributes to the package under test.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./configs/config.yaml if present)")
	rootCmd.PersistentFlags().StringP("serial", "s", "", "device serial or host:port")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("artifacts-dir", "", "directory for test artifacts")

	v.BindPFlag("adb.serial", rootCmd.PersistentFlags().Lookup("serial"))
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("artifacts.dir", rootCmd.PersistentFlags().Lookup("artifacts-dir"))

	rootCmd.AddCommand(
		newTestCmd("launch", "Launch packages and check for crashes"),
		newTestCmd("crawl", "Crawl packages with the external crawler and check for crashes"),
		newCrashLogCmd(),
		newServeCmd(),
		newEnqueueCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, *logrus.Logger, error) {
	path := configFile
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	cfg, err := config.LoadWith(v, path)
	if err != nil {
		return nil, nil, err
	}

	logger := config.InitLogger(&cfg.Log)
	if path != "" {
		logger.WithField("path", path).Debug("Config loaded")
	}
	return cfg, logger, nil
}

const defaultConfigPath = "./configs/config.yaml"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version:    %s\n", Version)
			fmt.Printf("Build Time: %s\n", BuildTime)
			fmt.Printf("Git Commit: %s\n", GitCommit)
		},
	}
}
