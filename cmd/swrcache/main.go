package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/swrcache"
	httpfetcher "github.com/always-cache/swrcache/pkg/http-fetcher"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	portFlag           int
	storageFlag        string
	ttlFlag            time.Duration
	updateAheadFlag    time.Duration
	retryFlag          int
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file (flags override its settings)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to fetch from")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&storageFlag, "storage", "", "Cache storage: 'memory' or 'sqlite'")
	flag.DurationVar(&ttlFlag, "ttl", 0, "Default time to live of cached values")
	flag.DurationVar(&updateAheadFlag, "update-ahead", 0, "Refresh values expiring within this duration (0 disables)")
	flag.IntVar(&retryFlag, "retries", 0, "Transport retries of failed origin requests")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	fileConfig, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if fileConfig.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}

	origin, err := httpfetcher.New(httpfetcher.Config{
		Origin:    fileConfig.Origin,
		Namespace: fileConfig.Namespace,
		RetryMax:  retryFlag,
		Timeout:   30 * time.Second,
		Logger:    &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up origin")
	}

	config, err := swrcache.NewConfig[json.RawMessage](fileConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up cache")
	}
	config.Fetcher = origin.Fetch
	config.Logger = &log.Logger

	client, err := swrcache.CreateClient(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create cache")
	}
	defer client.Close()

	srv := newServer(client, origin)
	log.Info().Msgf("Serving port %v from %s", portFlag, fileConfig.Origin)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// loadConfig reads the config file, if any, and applies the flags on top.
func loadConfig() (swrcache.FileConfig, error) {
	var fileConfig swrcache.FileConfig
	if configFlag != "" {
		var err error
		if fileConfig, err = swrcache.LoadConfig(configFlag); err != nil {
			return fileConfig, err
		}
	}
	if originFlag != "" {
		fileConfig.Origin = originFlag
	}
	if storageFlag != "" {
		fileConfig.Storage = storageFlag
	}
	if ttlFlag > 0 {
		fileConfig.Defaults.TTL = ttlFlag
	}
	if updateAheadFlag > 0 {
		fileConfig.UpdateAhead = updateAheadFlag
	}
	return fileConfig, nil
}
