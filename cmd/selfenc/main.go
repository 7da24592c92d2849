package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/selfenc/pkg/datamap"
	"github.com/jacktea/selfenc/pkg/gc"
	"github.com/jacktea/selfenc/pkg/selfenc"
	"github.com/jacktea/selfenc/pkg/server/httpapi"
	"github.com/jacktea/selfenc/pkg/server/middleware"
	"github.com/jacktea/selfenc/pkg/storage"
	"github.com/jacktea/selfenc/pkg/xerrors"
)

// config is the resolved configuration of one command run.
type config struct {
	MaxChunkSize int64
	MaxMapSize   int
	Concurrency  int
	Window       int
	BatchSize    int
	Provider     string
	Flat         bool
	Storage      storageOptions
	RetryMax     int
	RetryInitial time.Duration
	RetryMaxWait time.Duration
}

type storageOptions struct {
	Endpoint     string
	Bucket       string
	Prefix       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	APIKey       string
	CacheEntries int
	CacheBytes   int64
}

func loadConfig() config {
	return config{
		MaxChunkSize: viper.GetInt64("max_chunk_size"),
		MaxMapSize:   viper.GetInt("max_map_size"),
		Concurrency:  viper.GetInt("concurrency"),
		Window:       viper.GetInt("window"),
		BatchSize:    viper.GetInt("batch_size"),
		Provider:     viper.GetString("storage_provider"),
		Flat:         viper.GetBool("flat"),
		Storage: storageOptions{
			Endpoint:     viper.GetString("storage_endpoint"),
			Bucket:       viper.GetString("storage_bucket"),
			Prefix:       viper.GetString("storage_prefix"),
			Region:       viper.GetString("storage_region"),
			AccessKey:    viper.GetString("storage_access_key"),
			SecretKey:    viper.GetString("storage_secret_key"),
			SessionToken: viper.GetString("storage_session_token"),
			APIKey:       viper.GetString("storage_api_key"),
			CacheEntries: viper.GetInt("storage_cache_entries"),
			CacheBytes:   viper.GetInt64("storage_cache_bytes"),
		},
		RetryMax:     viper.GetInt("retry_max"),
		RetryInitial: viper.GetDuration("retry_initial"),
		RetryMaxWait: viper.GetDuration("retry_max_wait"),
	}
}

func (c config) encryptor(log logrus.FieldLogger) *selfenc.Encryptor {
	return &selfenc.Encryptor{
		MaxChunkSize: c.MaxChunkSize,
		MaxMapSize:   c.MaxMapSize,
		Concurrency:  c.Concurrency,
		Logger:       log,
	}
}

var (
	cfgFile string
	logger  = logrus.New()
	rootCmd = &cobra.Command{
		Use:           "selfenc",
		Short:         "Convergent self-encryption of files into content-addressed chunks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(viper.GetString("log_level"))
			if err != nil {
				return xerrors.Wrap(xerrors.KindInvalid, "log-level", viper.GetString("log_level"), err)
			}
			logger.SetLevel(level)
			return nil
		},
	}
)

func init() {
	logger.SetOutput(os.Stderr)
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates bad input, unavailable storage and corrupted data so
// scripts can tell a retry from an alert.
func exitCode(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalid, xerrors.KindMalformed:
		return 2
	case xerrors.KindNotFound, xerrors.KindWrite:
		return 3
	case xerrors.KindIntegrity, xerrors.KindCipher:
		return 4
	default:
		return 1
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("selfenc")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "selfenc"))
		}
	}
	viper.SetEnvPrefix("SELFENC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")
	flags.String("log-level", "info", "log level: debug|info|warn|error")

	flags.Int64("max-chunk-size", 1<<20, "largest plaintext chunk in bytes")
	flags.Int("max-map-size", datamap.MaxMapSize, "largest encoded data map before it is shrunk")
	flags.Int("concurrency", 0, "chunks hashed or encrypted at once (0 uses all CPUs)")

	flags.String("storage-provider", "local", "chunk store: local|bolt|s3|http")
	flags.Bool("flat", true, "local provider: store chunks directly under the chunk directory")
	flags.String("storage-endpoint", "", "remote storage endpoint")
	flags.String("storage-bucket", "", "remote storage bucket name")
	flags.String("storage-prefix", "", "object key prefix inside the bucket")
	flags.String("storage-region", "", "region (S3 only)")
	flags.String("storage-access-key", "", "remote storage access key")
	flags.String("storage-secret-key", "", "remote storage secret key")
	flags.String("storage-session-token", "", "remote storage session token (S3)")
	flags.String("storage-api-key", "", "shared key for an http chunk server")
	flags.Int("storage-cache-entries", 1024, "chunks kept in the remote read cache (negative disables)")
	flags.Int64("storage-cache-bytes", 256<<20, "byte budget of the remote read cache")

	flags.Int("retry-max", 3, "retries for failed storage calls (0 disables)")
	flags.Duration("retry-initial", 200*time.Millisecond, "first retry delay")
	flags.Duration("retry-max-wait", 5*time.Second, "largest retry delay")

	for _, name := range []string{
		"log-level", "max-chunk-size", "max-map-size", "concurrency",
		"storage-provider", "flat", "storage-endpoint", "storage-bucket", "storage-prefix",
		"storage-region", "storage-access-key", "storage-secret-key", "storage-session-token",
		"storage-api-key", "storage-cache-entries", "storage-cache-bytes",
		"retry-max", "retry-initial", "retry-max-wait",
	} {
		bindConfig(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

func initCommands() {
	rootCmd.AddCommand(
		newEncryptFileCmd(),
		newDecryptFileCmd(),
		newInspectCmd(),
		newVerifyCmd(),
		newGCCmd(),
		newServeCmd(),
	)
}

func newEncryptFileCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "encrypt-file <input> <chunk_dir>",
		Short: "Encrypt a file into chunk_dir and print its data map",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doEncryptFile(cmd.Context(), loadConfig(), args[0], args[1], out, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the data map to this file instead of stdout")
	return cmd
}

func newDecryptFileCmd() *cobra.Command {
	var streaming bool
	cmd := &cobra.Command{
		Use:   "decrypt-file <data_map_file> <chunk_dir> <output_file>",
		Short: "Rebuild a file from its data map and chunks",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDecryptFile(cmd.Context(), loadConfig(), args[0], args[1], args[2], streaming)
		},
	}
	cmd.Flags().BoolVar(&streaming, "streaming", false, "fetch chunks ahead in parallel with bounded memory")
	cmd.Flags().Int("window", selfenc.DefaultWindow, "streaming: chunks fetched ahead")
	cmd.Flags().Int("batch-size", selfenc.DefaultBatchSize, "streaming: chunks per storage request")
	bindConfig("window", cmd.Flags().Lookup("window"))
	bindConfig("batch_size", cmd.Flags().Lookup("batch-size"))
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <data_map_file>",
		Short: "Print the chunk layout of a data map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doInspect(args[0], cmd.OutOrStdout())
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <data_map_file> <chunk_dir>",
		Short: "Fetch and check every chunk without writing the plaintext",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doVerify(cmd.Context(), loadConfig(), args[0], args[1], cmd.OutOrStdout())
		},
	}
}

func newGCCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc <chunk_dir> <data_map_file>...",
		Short: "Delete chunks no listed data map refers to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doGC(cmd.Context(), loadConfig(), args[0], args[1:], dryRun, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report unreferenced chunks without deleting them")
	return cmd
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve <chunk_dir>",
		Short: "Serve the chunks of chunk_dir over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doServe(cmd.Context(), loadConfig(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:8420", "address to listen on")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "require this key from clients")
	cmd.Flags().IntVar(&opts.RateLimit, "rate-limit", 0, "requests per second across all clients (0 disables)")
	cmd.Flags().BoolVar(&opts.ReadOnly, "read-only", false, "refuse uploads and deletes")
	return cmd
}

func doEncryptFile(ctx context.Context, cfg config, input, chunkDir, out string, stdout io.Writer) error {
	store, closeStore, err := buildStore(cfg, chunkDir)
	if err != nil {
		return err
	}
	defer closeStore()
	start := time.Now()
	dm, err := cfg.encryptor(logger).EncryptFile(ctx, input, store)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"input":        input,
		"size":         humanize.IBytes(dm.OriginalSize),
		"chunks":       dm.Len(),
		"shrink_level": dm.Child,
		"elapsed":      time.Since(start).Round(time.Millisecond),
	}).Info("encrypted")
	if out != "" {
		return datamap.WriteFile(out, dm)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(dm)
}

func doDecryptFile(ctx context.Context, cfg config, mapFile, chunkDir, output string, streaming bool) error {
	dm, err := datamap.ReadFile(mapFile)
	if err != nil {
		return err
	}
	store, closeStore, err := buildStore(cfg, chunkDir)
	if err != nil {
		return err
	}
	defer closeStore()

	// Write next to the destination and rename on success; a failed decrypt
	// leaves nothing behind.
	tmp, err := os.CreateTemp(filepath.Dir(output), ".selfenc-*")
	if err != nil {
		return xerrors.Wrap(xerrors.KindWrite, "decrypt-file", output, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	start := time.Now()
	if streaming {
		err = selfenc.StreamDecrypt(ctx, dm, store, tmp, selfenc.StreamOptions{
			Window:    cfg.Window,
			BatchSize: cfg.BatchSize,
			Logger:    logger,
		})
	} else {
		err = selfenc.Decrypt(ctx, dm, store, tmp)
	}
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.KindWrite, "decrypt-file", output, err)
	}
	// CreateTemp makes the file owner-only; keep an existing destination's
	// mode, else use the usual 0644.
	mode := os.FileMode(0o644)
	if info, err := os.Stat(output); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return xerrors.Wrap(xerrors.KindWrite, "decrypt-file", output, err)
	}
	if err := os.Rename(tmpName, output); err != nil {
		return xerrors.Wrap(xerrors.KindWrite, "decrypt-file", output, err)
	}
	logger.WithFields(logrus.Fields{
		"output":    output,
		"streaming": streaming,
		"elapsed":   time.Since(start).Round(time.Millisecond),
	}).Info("decrypted")
	return nil
}

func doInspect(mapFile string, w io.Writer) error {
	dm, err := datamap.ReadFile(mapFile)
	if err != nil {
		return err
	}
	mode := "chunked"
	switch {
	case dm.IsShrunk():
		mode = fmt.Sprintf("shrunk (level %d)", dm.Child)
	case dm.Small():
		mode = "single chunk"
	}
	fmt.Fprintf(w, "mode:   %s\n", mode)
	fmt.Fprintf(w, "size:   %s (%d bytes)\n", humanize.IBytes(dm.OriginalSize), dm.OriginalSize)
	fmt.Fprintf(w, "chunks: %d\n", dm.Len())
	if encoded, err := dm.EncodedSize(); err == nil {
		fmt.Fprintf(w, "map:    %s encoded\n", humanize.IBytes(uint64(encoded)))
	}
	offsets := dm.Offsets()
	for i, c := range dm.Chunks {
		fmt.Fprintf(w, "%6d  %10s  +%-10s  %s\n", c.Index, humanize.Comma(int64(offsets[i])), humanize.IBytes(c.Size), c.PostHash)
	}
	return nil
}

func doVerify(ctx context.Context, cfg config, mapFile, chunkDir string, w io.Writer) error {
	dm, err := datamap.ReadFile(mapFile)
	if err != nil {
		return err
	}
	store, closeStore, err := buildStore(cfg, chunkDir)
	if err != nil {
		return err
	}
	defer closeStore()
	counter := &countingWriter{}
	err = selfenc.StreamDecrypt(ctx, dm, store, counter, selfenc.StreamOptions{
		Window:    cfg.Window,
		BatchSize: cfg.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "ok: %s verified\n", humanize.IBytes(uint64(counter.n)))
	return nil
}

func doGC(ctx context.Context, cfg config, chunkDir string, mapFiles []string, dryRun bool, w io.Writer) error {
	maps := make([]datamap.DataMap, 0, len(mapFiles))
	for _, f := range mapFiles {
		dm, err := datamap.ReadFile(f)
		if err != nil {
			return err
		}
		maps = append(maps, dm)
	}
	store, closeStore, err := buildStore(cfg, chunkDir)
	if err != nil {
		return err
	}
	defer closeStore()
	sweepable, ok := store.(gc.Store)
	if !ok || !canSweep(store) {
		return xerrors.E(xerrors.KindInvalid, "gc", fmt.Sprintf("storage provider %q cannot be swept", cfg.Provider))
	}
	res, err := gc.NewSweeper(gc.Options{Store: sweepable, DryRun: dryRun, Logger: logger}).Collect(ctx, maps...)
	if err != nil {
		return err
	}
	verb := "deleted"
	if dryRun {
		verb = "would delete"
	}
	fmt.Fprintf(w, "scanned %d chunks, %d live, %s %d\n", res.Scanned, res.Live, verb, res.Deleted)
	return nil
}

// canSweep reports whether store, once unwrapped from retries, can list
// and delete chunks.
func canSweep(store storage.Store) bool {
	if r, ok := store.(*storage.RetryStore); ok {
		store = r.Unwrap()
	}
	_, lists := store.(storage.Lister)
	_, deletes := store.(storage.Deleter)
	return lists && deletes
}

type serveOptions struct {
	Listen    string
	APIKey    string
	RateLimit int
	ReadOnly  bool
}

func (o serveOptions) server(store storage.Store, maxChunk int64) *httpapi.Server {
	return &httpapi.Server{
		Store: store,
		Log:   logger,
		Opts: httpapi.Options{
			APIKey:        o.APIKey,
			RateLimit:     middleware.RateLimitOptions{Requests: o.RateLimit, Window: time.Second},
			MaxChunkBytes: maxChunk,
			ReadOnly:      o.ReadOnly,
		},
	}
}

func doServe(ctx context.Context, cfg config, chunkDir string, opts serveOptions) error {
	store, closeStore, err := buildStore(cfg, chunkDir)
	if err != nil {
		return err
	}
	defer closeStore()
	// Ciphertext is exactly as long as its plaintext chunk.
	return opts.server(store, cfg.MaxChunkSize).Start(ctx, opts.Listen)
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// buildStore opens the chunk store for chunkDir. The returned func releases it.
func buildStore(cfg config, chunkDir string) (storage.Store, func() error, error) {
	noop := func() error { return nil }
	var (
		store storage.Store
		closer = noop
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		ps, err := storage.NewPathStore(chunkDir, storage.PathOptions{Flat: cfg.Flat})
		if err != nil {
			return nil, nil, err
		}
		store = ps
	case "bolt":
		if err := os.MkdirAll(chunkDir, 0o755); err != nil {
			return nil, nil, xerrors.Wrap(xerrors.KindWrite, "bolt", chunkDir, err)
		}
		bs, err := storage.NewBoltStore(storage.BoltConfig{Path: filepath.Join(chunkDir, "chunks.db")})
		if err != nil {
			return nil, nil, err
		}
		store, closer = bs, bs.Close
	case "s3":
		opts := cfg.Storage
		if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" || opts.Region == "" {
			return nil, nil, xerrors.E(xerrors.KindInvalid, "s3",
				"s3 config requires endpoint, bucket, region, access key, and secret key")
		}
		remote, err := storage.NewS3Store(storage.S3Config{
			RemoteConfig: storage.RemoteConfig{
				Endpoint:     opts.Endpoint,
				Bucket:       opts.Bucket,
				Prefix:       opts.Prefix,
				CacheEntries: opts.CacheEntries,
				CacheBytes:   opts.CacheBytes,
				CacheTTL:     time.Minute,
			},
			Region:       opts.Region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
		})
		if err != nil {
			return nil, nil, err
		}
		local, err := storage.NewPathStore(chunkDir, storage.PathOptions{Flat: cfg.Flat})
		if err != nil {
			return nil, nil, err
		}
		store, err = storage.NewHybridStore(local, remote, storage.HybridOptions{
			MirrorSecondary: true,
			CacheOnRead:     true,
		})
		if err != nil {
			return nil, nil, err
		}
	case "http":
		if cfg.Storage.Endpoint == "" {
			return nil, nil, xerrors.E(xerrors.KindInvalid, "http", "http provider requires an endpoint")
		}
		remote, err := storage.NewRemoteStore(storage.RemoteConfig{
			Endpoint:     cfg.Storage.Endpoint,
			Bucket:       "chunks",
			CacheEntries: cfg.Storage.CacheEntries,
			CacheBytes:   cfg.Storage.CacheBytes,
			CacheTTL:     time.Minute,
		}, storage.APIKeySigner{Key: cfg.Storage.APIKey})
		if err != nil {
			return nil, nil, err
		}
		store = remote
	default:
		return nil, nil, xerrors.E(xerrors.KindInvalid, "storage", fmt.Sprintf("unknown storage provider %q", cfg.Provider))
	}
	if cfg.RetryMax > 0 {
		store = storage.NewRetryStore(store, storage.RetryConfig{
			MaxRetries: cfg.RetryMax,
			Initial:    cfg.RetryInitial,
			MaxWait:    cfg.RetryMaxWait,
			Logger:     logger,
		})
	}
	return store, closer, nil
}
