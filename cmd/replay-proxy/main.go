package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/always-cache/replay"
	cachekey "github.com/always-cache/replay/pkg/cache-key"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	bucketFlag         string
	recordFlag         bool
	storeFlag          string
	dbFilenameFlag     string
	redisFlag          string
	dirFlag            string
	keySchemeFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&bucketFlag, "bucket", "", "Replay bucket (namespace for fixtures)")
	flag.BoolVar(&recordFlag, "record", false, "Record mode: forward and store requests without a fixture")
	flag.StringVar(&storeFlag, "store", "memory", "Fixture store to use (memory, sqlite, redis, dir)")
	flag.StringVar(&dbFilenameFlag, "db", "fixtures.db", "SQLite DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&redisFlag, "redis", "", "Redis URL for the redis store")
	flag.StringVar(&dirFlag, "dir", "fixtures", "Fixture directory for the dir store")
	flag.StringVar(&keySchemeFlag, "key-scheme", "length-prefixed", "Cache key scheme (length-prefixed, legacy)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	config := defaultConfig()
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Could not read config: %v\n", err)
			os.Exit(1)
		}
	}
	// explicitly set flags override the config file
	flag.Visit(func(f *flag.Flag) {
		applyFlag(&config, f.Name)
	})

	setupLogging(config.LogFile)

	if err := serve(config, http.ListenAndServe); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// serve opens the fixture store and runs the proxy with listen.
// The store is closed when listen returns.
func serve(config Config, listen func(addr string, handler http.Handler) error) error {
	if err := config.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	scheme, err := cachekey.ParseScheme(config.KeyScheme)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return fmt.Errorf("could not parse url: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	replayConfig := replay.Config{
		Bucket:     config.Bucket,
		RecordMode: config.Record,
		KeyScheme:  scheme,
		Logger:     &log.Logger,
		Metrics:    replay.NewMetrics(registry),
	}
	if err := replayConfig.Validate(); err != nil {
		return err
	}

	store, closer, err := openStore(config.Store)
	if err != nil {
		return fmt.Errorf("could not open %s fixture store: %w", config.Store.Type, err)
	}
	defer closer.Close()
	replayConfig.Store = store
	replayer := replay.New(replayConfig)

	router := newRouter(originURL, config.Host, replayer, store, registry, log.Logger)
	log.Info().
		Str("bucket", config.Bucket).
		Bool("record", config.Record).
		Str("store", config.Store.Type).
		Msgf("Proxying port %v to %s", config.Port, originURL.String())
	return listen(fmt.Sprintf(":%d", config.Port), router)
}

func applyFlag(config *Config, name string) {
	switch name {
	case "origin":
		config.Origin = originFlag
	case "host":
		config.Host = hostFlag
	case "port":
		config.Port = portFlag
	case "bucket":
		config.Bucket = bucketFlag
	case "record":
		config.Record = recordFlag
	case "store":
		config.Store.Type = storeFlag
	case "db":
		config.Store.DB = dbFilenameFlag
	case "redis":
		config.Store.Redis = redisFlag
	case "dir":
		config.Store.Dir = dirFlag
	case "key-scheme":
		config.KeyScheme = keySchemeFlag
	case "log-file":
		config.LogFile = logFilenameFlag
	}
}

// setupLogging configures the global logger: console output plus
// the log file, if any.
func setupLogging(logFilename string) {
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilename != "" {
		if logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}
