package cmd

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/kvcore/config"
)

var (
	kvcoreCmd = &cobra.Command{
		Use:               "kvcore",
		Short:             "A transactional storage engine",
		Long:              "Kvcore is a transactional row store on top of a pluggable KV store.",
		PersistentPreRunE: kvcorePreRun,
		PersistentPostRun: kvcorePostRun,
		SilenceUsage:      true,
	}

	logFile   = "kvcore.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "kvcore.hcl"
	noConfig   = false

	cfg = config.Default()
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := kvcoreCmd.PersistentFlags()
	cfg.Flags(fs)

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	cfg.Var(fs.Lookup("log-file"))

	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	cfg.Var(fs.Lookup("log-level"))

	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")
	cfg.Var(fs.Lookup("log-stderr"))

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")
}

func Execute() error {
	return kvcoreCmd.Execute()
}

func kvcorePreRun(cmd *cobra.Command, args []string) error {
	if configFile != "" && !noConfig {
		_, err := os.Stat(configFile)
		if err == nil || cmd.Flags().Changed("config-file") {
			err = cfg.LoadFile(configFile)
			if err != nil {
				return fmt.Errorf("kvcore: %s", err)
			}
		}
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("kvcore: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("kvcore: %s", err)
	}
	log.SetLevel(ll)

	log.WithField("pid", os.Getpid()).Info("kvcore starting")
	return nil
}

func kvcorePostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("kvcore done")

	if logWriter != nil {
		logWriter.Close()
	}
}
