// Command pushserverd boots the two HTTP surfaces spec §6 describes: the
// public acquisition endpoint client devices poll, and the
// authenticated management endpoint operators use to release updates.
// Flags and config file are wired with spf13/cobra + spf13/viper, the
// same tree shape as the teacher's own cmd/helm command family and
// storj-storj's pkg/cmd packages. No operator-facing CLI beyond process
// flags ships here; the CLI front-end itself is an explicit Non-goal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"pushd.sh/pushd/internal/acquire"
	"pushd.sh/pushd/internal/blobstore"
	"pushd.sh/pushd/internal/cachestore"
	"pushd.sh/pushd/internal/httpapi"
	"pushd.sh/pushd/internal/ingest"
	"pushd.sh/pushd/internal/ingest/diffpool"
	"pushd.sh/pushd/internal/logging"
	"pushd.sh/pushd/internal/manage"
	"pushd.sh/pushd/internal/metastore/postgres"
	"pushd.sh/pushd/internal/telemetry"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pushserverd",
		Short: "Serves pushd's acquisition and management HTTP APIs",
		RunE:  runServer,
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML/TOML/JSON config file")
	flags.String("listen-public", ":3000", "address the acquisition endpoint listens on")
	flags.String("listen-management", ":3001", "address the management endpoint listens on")
	flags.String("listen-metrics", ":9090", "address the Prometheus scrape endpoint listens on")
	flags.String("postgres-dsn", "", "Postgres connection string for the metadata store")
	flags.String("redis-addr", "127.0.0.1:6379", "Redis address for the cache/metrics store")
	flags.String("blob-endpoint", "", "S3-compatible endpoint for the blob store")
	flags.String("blob-bucket", "pushd-packages", "bucket the blob store writes into")
	flags.String("blob-access-key", "", "blob store access key")
	flags.String("blob-secret-key", "", "blob store secret key")
	flags.Bool("blob-use-ssl", true, "use TLS when talking to the blob store endpoint")
	flags.Int("diff-pool-size", 4, "concurrent diff workers (spec §4.G post-processing)")
	flags.Int("diff-history-depth", ingest.DefaultMaxDiffCandidates, "how many prior releases per binary-version range to diff against")
	flags.String("log-level", "info", "debug|info|warn|error")
	flags.Bool("log-json", true, "emit structured JSON logs instead of console output")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	cobra.OnInitialize(initConfig)

	return cmd
}

// initConfig wires viper the way storj-storj's pkg/cmd and the teacher's
// cmd/helm root command do: an optional explicit file, then environment
// variables under a PUSHD_ prefix taking precedence over flag defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "reading config file %s: %v\n", cfgFile, err)
		}
	}
	viper.SetEnvPrefix("PUSHD")
	viper.AutomaticEnv()
}

func runServer(cmd *cobra.Command, args []string) error {
	logging.Init(logging.Config{
		Level:      logging.Level(viper.GetString("log-level")),
		JSONOutput: viper.GetBool("log-json"),
	})

	db, err := sqlx.Connect("postgres", viper.GetString("postgres-dsn"))
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	if _, err := postgres.Migrate(db.DB); err != nil {
		return fmt.Errorf("migrating metastore: %w", err)
	}
	meta := postgres.New(db)

	redisClient := redis.NewClient(&redis.Options{Addr: viper.GetString("redis-addr")})
	defer redisClient.Close()
	cache := cachestore.NewRedisGateway(redisClient)

	minioClient, err := minio.New(viper.GetString("blob-endpoint"), &minio.Options{
		Creds:  credentials.NewStaticV4(viper.GetString("blob-access-key"), viper.GetString("blob-secret-key"), ""),
		Secure: viper.GetBool("blob-use-ssl"),
	})
	if err != nil {
		return fmt.Errorf("constructing blob store client: %w", err)
	}
	blobs := blobstore.NewMinioGateway(minioClient, viper.GetString("blob-bucket"))

	pool := diffpool.New(viper.GetInt("diff-pool-size"))
	ingestSvc := ingest.New(meta, blobs, cache, nil, pool).WithMaxDiffCandidates(viper.GetInt("diff-history-depth"))
	acquireSvc := acquire.New(meta, cache)
	manageSvc := manage.New(meta, cache, ingestSvc)

	acqRouter := httpapi.NewAcquisitionRouter(httpapi.NewAcquisitionHandlers(acquireSvc), meta, cache)
	mgmtRouter := httpapi.NewManagementRouter(httpapi.NewManagementHandlers(manageSvc), noAuthConfigured{}, httpapi.NoopRateLimiter{})

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", telemetry.Handler())

	servers := []*http.Server{
		{Addr: viper.GetString("listen-public"), Handler: acqRouter},
		{Addr: viper.GetString("listen-management"), Handler: mgmtRouter},
		{Addr: viper.GetString("listen-metrics"), Handler: metricsRouter},
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logging.Logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

// noAuthConfigured is the default httpapi.Authenticator: it always fails
// closed. A concrete Authenticator is an external collaborator (spec
// §1) wired in by whoever deploys pushserverd behind their own identity
// provider; running with no Authenticator configured must not silently
// admit every request.
type noAuthConfigured struct{}

func (noAuthConfigured) Authenticate(*http.Request) (string, error) {
	return "", errUnauthenticated
}

var errUnauthenticated = errors.New("no Authenticator configured for the management endpoint")
