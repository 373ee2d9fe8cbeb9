package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"releasehub/backend/auth"
	"releasehub/backend/distributor"
	"releasehub/backend/mailer"
	"releasehub/backend/schema"
	"releasehub/backend/services"
	"releasehub/backend/storage"
)

type releaseHubEnv struct {
	DatabaseUri string `env:"DATABASE_URI,required"`
	JwtSecret   string `env:"JWT_SECRET,required"`
	PortalURL   string `env:"PORTAL_URL,required"`
	ServiceKey  string `env:"SERVICE_KEY,required"`

	AdminUsername string `env:"ADMIN_USERNAME,required"`
	AdminEmail    string `env:"ADMIN_EMAIL,required"`
	AdminPassword string `env:"ADMIN_PASSWORD,required"`

	DistributorEndpoint string `env:"DISTRIBUTOR_ENDPOINT,required"`
	DistributorAccessId string `env:"DISTRIBUTOR_ACCESS_ID,required"`

	// Used to bootstrap the credential store when no token row exists yet.
	FallbackRefreshToken string `env:"FALLBACK_REFRESH_TOKEN"`

	ForwardReleases bool `env:"FORWARD_RELEASES" envDefault:"true"`

	S3Region       string `env:"S3_REGION,required"`
	S3AccessKey    string `env:"S3_ACCESS_KEY,required"`
	S3AccessSecret string `env:"S3_ACCESS_SECRET,required"`
	S3Bucket       string `env:"S3_BUCKET,required"`
	S3BaseEndpoint string `env:"S3_BASE_ENDPOINT"`

	// Bucket credentials handed to the distributor so it can fetch the
	// uploaded assets referenced by submitted releases.
	IngestAccessKey    string `env:"INGEST_ACCESS_KEY"`
	IngestAccessSecret string `env:"INGEST_ACCESS_SECRET"`

	SmtpHost     string `env:"SMTP_HOST,required"`
	SmtpPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SmtpUsername string `env:"SMTP_USERNAME"`
	SmtpPassword string `env:"SMTP_PASSWORD"`
	SmtpFrom     string `env:"SMTP_FROM,required"`

	LogFile string `env:"LOG_FILE"`
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	if err := godotenv.Load(envFile); err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

func initLogging(logFilePath string) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	if logFilePath == "" {
		return
	}

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

func initDb(dsn string) *gorm.DB {
	// TranslateError maps driver specific unique violations to
	// gorm.ErrDuplicatedKey, which label creation depends on.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	err = db.AutoMigrate(
		&schema.User{}, &schema.Label{}, &schema.Release{}, &schema.ApiToken{},
	)
	if err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")
	sweepInterval := flag.Duration("sweep_interval", 15*time.Minute, "Interval between credential sweeps")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}

	var cfg releaseHubEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing environment: %v", err)
	}

	initLogging(cfg.LogFile)

	db := initDb(cfg.DatabaseUri)

	if err := auth.EnsureAdmin(db, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Fatalf("error creating initial admin: %v", err)
	}

	store, err := storage.NewS3Store(context.Background(), storage.S3Config{
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		AccessSecret: cfg.S3AccessSecret,
		Bucket:       cfg.S3Bucket,
		BaseEndpoint: cfg.S3BaseEndpoint,
	})
	if err != nil {
		log.Fatalf("error creating object store: %v", err)
	}

	dist := distributor.NewClient(cfg.DistributorEndpoint, cfg.DistributorAccessId)

	mail := &mailer.SMTPMailer{
		Host:     cfg.SmtpHost,
		Port:     cfg.SmtpPort,
		Username: cfg.SmtpUsername,
		Password: cfg.SmtpPassword,
		From:     cfg.SmtpFrom,
	}

	backend := services.NewBackend(db, store, dist, mail, services.Variables{
		AdminEmail:           cfg.AdminEmail,
		PortalURL:            cfg.PortalURL,
		FallbackRefreshToken: cfg.FallbackRefreshToken,
		ServiceKey:           cfg.ServiceKey,
		ForwardReleases:      cfg.ForwardReleases,
		StorageCredentials: distributor.StorageCredentials{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			AccessKey:    cfg.IngestAccessKey,
			AccessSecret: cfg.IngestAccessSecret,
		},
	}, []byte(cfg.JwtSecret))

	go backend.TokenSweepLoop(*sweepInterval)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.PortalURL},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v1", backend.Routes())

	slog.Info("starting server", "port", *port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	backend.StopTokenSweepLoop()
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
}
