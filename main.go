package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/datastore"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/m-lab/access-images/internal/auth"
	"github.com/m-lab/access-images/internal/handler"
	"github.com/m-lab/access-images/metrics"
	"github.com/m-lab/access-images/store"
)

const defaultMaxFileSize = 5 * 1024 * 1024

var (
	teamDomain       = flag.String("team-domain", "", "Cloudflare Access team domain, e.g. example.cloudflareaccess.com")
	certsURL         = flag.String("certs-url", "", "Access certs URL (derived from -team-domain when empty)")
	policyAud        = flag.String("policy-aud", "", "Access application audience tag")
	keyCacheLifetime = flag.Duration("key-cache-lifetime", auth.DefaultKeyLifetime, "Lifetime of Access keys when the certs response has no max-age")
	requireAccess    = flag.Bool("require-access", true, "Require a Cloudflare Access token on every request")
	authExclude      = flagx.StringArray{"/favicon.ico", "/health"}
	allowlistFile    = flag.String("allowlist-file", "/config/post_allowlist.json", "JSON file listing the emails allowed to upload")
	host             = flag.String("host", "", "URL prefix of returned image URLs")
	maxFileSize      = flag.Int("max-file-size", defaultMaxFileSize, "Maximum decoded image size in bytes")
	s3Bucket         = flag.String("s3-bucket", "", "S3 bucket holding the images")
	awsProfile       = flag.String("aws-profile", "", "AWS shared config profile")
	indexBackend     = flagx.Enum{Options: []string{"postgres", "datastore"}, Value: "postgres"}
	postgresURL      = flag.String("postgres-url", "", "Postgres connection URL for the image index")
	project          = flag.String("project", "", "Google Cloud project ID for the datastore index")
	dsNamespace      = flag.String("datastore-namespace", "images", "Datastore namespace for the image index")
	redisAddr        = flag.String("redis-addr", "", "Redis address for resized images (empty disables the cache)")
	variantTTL       = flag.Duration("variant-ttl", 24*time.Hour, "Lifetime of cached resized images")
	allowedOrigins   = flagx.StringArray{}
	originsRegex     = flag.String("allowed-origins-regex", "", "Regular expression of additional CORS origins")
	logLevel         = flagx.Enum{Options: []string{"debug", "info", "warn", "error"}, Value: "error"}
)

func init() {
	flag.Var(&authExclude, "auth-exclude-paths", "Paths served without an Access token")
	flag.Var(&indexBackend, "index", "Image index backend: postgres or datastore")
	flag.Var(&allowedOrigins, "allowed-origins", "CORS origins allowed to call the API")
	flag.Var(&logLevel, "log-level", "Log level: debug, info, warn or error")
}

func main() {
	if os.Getenv("ENV") == "development" {
		if err := godotenv.Load(); err != nil {
			log.Printf("No .env file loaded: %v", err)
		}
	}
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	setupLogging(logLevel.Value)
	log.Printf("Starting image service...")

	// On Cloud Run, the port is injected via the environment variable PORT.
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("Port set to: %s", port)

	ctx := context.Background()

	// Access verifier
	if *certsURL == "" {
		if *teamDomain == "" && *requireAccess {
			log.Fatal("-team-domain or -certs-url is required")
		}
		*certsURL = auth.CertsURL(*teamDomain)
	}
	cache := auth.NewKeySetCache(auth.NewFetcher(nil, *keyCacheLifetime))
	var verifier auth.TokenVerifier
	if *requireAccess {
		v, err := auth.NewVerifier(cache, *certsURL, *policyAud)
		rtx.Must(err, "Failed to initialize Access verifier")
		verifier = v
		log.Printf("Verifying Access tokens against %s", *certsURL)
	} else {
		log.Printf("WARNING: Access verification is disabled")
	}
	allowList := auth.NewAllowList(*allowlistFile)

	// Blob store
	if *s3Bucket == "" {
		log.Fatal("-s3-bucket is required")
	}
	var awsOpts []func(*awsconfig.LoadOptions) error
	if *awsProfile != "" {
		awsOpts = append(awsOpts, awsconfig.WithSharedConfigProfile(*awsProfile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	rtx.Must(err, "Failed to load AWS config")
	blobs := store.NewBlobStore(s3.NewFromConfig(awsCfg), *s3Bucket)

	// Metadata index
	var index store.Index
	switch indexBackend.Value {
	case "datastore":
		if *project == "" {
			log.Fatal("-project is required for the datastore index")
		}
		dsClient, err := datastore.NewClient(ctx, *project)
		rtx.Must(err, "Failed to initialize Datastore client")
		defer dsClient.Close()
		index = store.NewDatastoreIndex(dsClient, *dsNamespace)
	default:
		db, err := store.OpenPostgres(ctx, *postgresURL)
		rtx.Must(err, "Failed to initialize Postgres index")
		defer db.Close()
		pgIndex := store.NewPostgresIndex(db)
		rtx.Must(pgIndex.Migrate(ctx), "Failed to migrate Postgres index")
		index = pgIndex
	}
	log.Printf("Image index: %s", indexBackend.Value)

	// Resized variant cache
	var variants handler.VariantCache
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rdb.Close()
		variants = store.NewVariantCache(rdb, "", *variantTTL)
	}

	images := handler.NewImagesHandler(blobs, index, variants, *host, *maxFileSize)
	indexPage := handler.NewIndexHandler(allowList)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("GET /{$}", indexPage.ServeIndex)
	mux.Handle("POST /images", promhttp.InstrumentHandlerDuration(
		metrics.UploadRequestDuration,
		promhttp.InstrumentHandlerCounter(
			metrics.UploadRequestsTotal,
			auth.RequireAllowedEmail(allowList)(http.HandlerFunc(images.Upload)),
		),
	))
	mux.HandleFunc("GET /images", images.List)
	mux.Handle("GET /images/{project}/{filename}", promhttp.InstrumentHandlerDuration(
		metrics.ServeRequestDuration,
		promhttp.InstrumentHandlerCounter(
			metrics.ServeRequestsTotal,
			http.HandlerFunc(images.Serve),
		),
	))

	protected := auth.RequireAccess(verifier, auth.AccessOptions{
		Disabled:     !*requireAccess,
		ExcludePaths: authExclude,
	})(mux)

	corsOpts := cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}
	if *originsRegex != "" {
		re := regexp.MustCompile(*originsRegex)
		listed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			listed[o] = true
		}
		corsOpts.AllowOriginFunc = func(origin string) bool {
			return listed[origin] || re.MatchString(origin)
		}
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: cors.New(corsOpts).Handler(protected),
	}

	metricsServer := prometheusx.MustServeMetrics()
	defer metricsServer.Close()

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Printf("Received shutdown signal, gracefully shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
	log.Printf("Server stopped")
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	default:
		l = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}
