package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-resumable/retry"
	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "BLOBCHAN"

// Config keys, also the names of the persistent flags.
const (
	keyBackend         = "backend"
	keyEndpoint        = "endpoint"
	keyRegion          = "region"
	keyToken           = "token"
	keyInsecure        = "insecure"
	keyPathStyle       = "path-style"
	keyAccessKeyID     = "access-key-id"
	keySecretAccessKey = "secret-access-key"
	keyChunkSize       = "chunk-size"
	keyMaxRetries      = "max-retries"
	keyVerbose         = "verbose"
)

type app struct {
	cfg     *viper.Viper
	cfgFile string
	logger  log.Logger
	// backends builds the RPC of a command; tests replace it.
	backends backendFactory
	// fullRetryWait is the pause before a transfer restarts from its captured position.
	fullRetryWait time.Duration
}

func newApp() *app {
	a := &app{
		cfg:           viper.New(),
		logger:        log.NewLogger(),
		fullRetryWait: 5 * time.Second,
	}
	a.backends = a.newBackend
	return a
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "blobchan",
		Short:         "Resumable uploads and downloads of blobs",
		Long:          `Transfers files to and from object storage in chunks, capturing the transfer position so an interrupted transfer can continue where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./blobchan.yaml if present)")
	flags.String(keyBackend, "http", "storage backend: mem, http, s3 or bytestream")
	flags.String(keyEndpoint, "", "service endpoint: base URL for http and s3, host:port for bytestream")
	flags.String(keyRegion, "", "S3 region, discovered from the bucket when empty")
	flags.String(keyToken, "", "bearer token for the http and bytestream backends")
	flags.Bool(keyInsecure, false, "use a plaintext gRPC connection")
	flags.Bool(keyPathStyle, false, "use path-style S3 addressing")
	flags.String(keyAccessKeyID, "", "AWS access key id")
	flags.String(keySecretAccessKey, "", "AWS secret access key")
	flags.String(keyChunkSize, units.BytesSize(storage.DefaultChunkSize), "chunk size, e.g. 8MiB")
	flags.Int(keyMaxRetries, 6, "retries of a single chunk before the transfer fails")
	flags.BoolP(keyVerbose, "v", false, "enable debug logging")

	root.AddCommand(a.uploadCmd(), a.downloadCmd(), a.serveCmd(), a.stateCmd())
	return root
}

// initConfig layers flags over BLOBCHAN_* environment variables over the config file.
func (a *app) initConfig(cmd *cobra.Command) error {
	a.cfg.SetEnvPrefix(envPrefix)
	a.cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.cfg.AutomaticEnv()

	if err := a.cfg.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if a.cfgFile != "" {
		a.cfg.SetConfigFile(a.cfgFile)
	} else {
		a.cfg.AddConfigPath(".")
		a.cfg.SetConfigName("blobchan")
	}
	if err := a.cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	a.logger.EnableDebugLog(a.cfg.GetBool(keyVerbose))
	return nil
}

// channelOptions returns the chunk size option apart from the rest: restored
// channels keep the chunk size of their captured state.
func (a *app) channelOptions() (storage.ChannelOption, []storage.ChannelOption, error) {
	chunkSize, err := units.RAMInBytes(a.cfg.GetString(keyChunkSize))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s: %w", keyChunkSize, err)
	}
	if chunkSize <= 0 || chunkSize > 1<<31-1 {
		return nil, nil, fmt.Errorf("invalid %s: %s", keyChunkSize, a.cfg.GetString(keyChunkSize))
	}

	params, err := retry.NewParams(retry.WithMaxRetries(a.cfg.GetInt(keyMaxRetries)))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s: %w", keyMaxRetries, err)
	}

	return storage.WithChunkSize(int(chunkSize)), []storage.ChannelOption{
		storage.WithRetry(params),
		storage.WithLogger(a.logger),
	}, nil
}
