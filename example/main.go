// Package main runs a web push notification server.
//
// This example:
// - Loads PUSH_* settings from the environment and an optional .env file
// - Resolves the VAPID key from configuration, Cloud KMS, the OS keyring
//   or a PEM file on disk (generated if not present)
// - Stores member-linked subscriptions in memory, SQLite or Postgres
// - Serves the subscribe, unsubscribe and send API with gin
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gin-gonic/gin"

	"github.com/imjasonh/pwapush/config"
	"github.com/imjasonh/pwapush/keys"
	"github.com/imjasonh/pwapush/notify"
	"github.com/imjasonh/pwapush/storage"
	"github.com/imjasonh/pwapush/vapid"
)

const keyPath = "vapid-private.pem"

var (
	generateKeys = flag.Bool("generate-keys", false, "print a new base64url VAPID key pair and exit")
	envFile      = flag.String("env-file", ".env", "optional file of PUSH_* settings")
)

func main() {
	flag.Parse()

	if *generateKeys {
		priv, pub, err := keys.GenerateKeyPair()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("PUSH_VAPID_PUBLIC_KEY=%s\nPUSH_VAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx = clog.WithLogger(ctx, newLogger(cfg))
	log := clog.FromContext(ctx)

	if err := run(ctx, cfg); err != nil {
		log.Errorf("server failed: %v", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *clog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return clog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return clog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg *config.Config) error {
	log := clog.FromContext(ctx)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Infof("%s storage initialized", cfg.Storage.Driver)

	signer, closeSigner, err := resolveSigner(ctx, cfg.VAPID)
	if err != nil {
		return err
	}
	defer closeSigner()
	log.Infof("VAPID public key: %s", vapid.ApplicationServerKey(signer.PublicKey()))

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	if policy.TestMode {
		log.Warnf("test mode active: only member %q receives push notifications", policy.TestMemberID)
	}
	creds := notify.Credentials{Signer: signer, Subject: cfg.VAPID.Subject}
	dispatcher := notify.NewDispatcher(store, policy, creds, cfg.Options()...)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), withLogger(ctx))
	if cfg.AdminToken == "" {
		log.Warn("PUSH_ADMIN_TOKEN is not set: send and key routes are disabled")
	}
	s := &server{store: store, dispatcher: dispatcher, publicKey: signer.PublicKey(), adminToken: cfg.AdminToken}
	s.routes(router)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("server listening on %s", cfg.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// withLogger carries the server's logger into each request context.
func withLogger(ctx context.Context) gin.HandlerFunc {
	logger := clog.FromContext(ctx)
	return func(c *gin.Context) {
		start := time.Now()
		reqLog := logger.With("method", c.Request.Method, "path", c.FullPath())
		c.Request = c.Request.WithContext(clog.WithLogger(c.Request.Context(), reqLog))
		c.Next()
		reqLog.Debugf("%d in %s", c.Writer.Status(), time.Since(start))
	}
}

func openStorage(cfg config.Storage) (storage.Storage, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemory(), nil
	case "postgres":
		s, err := storage.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := storage.NewSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// resolveSigner picks the VAPID key source: explicit keys, then Cloud KMS,
// then the OS keyring, then a PEM file in the working directory.
func resolveSigner(ctx context.Context, cfg config.VAPID) (vapid.Signer, func(), error) {
	log := clog.FromContext(ctx)
	noop := func() {}

	switch {
	case cfg.PublicKey != "" || cfg.PrivateKey != "":
		s, err := keys.NewCredentialSigner(cfg.PrivateKey, cfg.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", notify.ErrConfiguration, err)
		}
		return s, noop, nil

	case cfg.KMSKey != "":
		s, err := keys.NewKMSSigner(ctx, cfg.KMSKey)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("using KMS key %s", cfg.KMSKey)
		return s, func() { s.Close() }, nil

	case cfg.KeyringService != "":
		ring, err := keys.OpenKeyring(cfg.KeyringService, cfg.KeyringDir, cfg.KeyringPassword)
		if err != nil {
			return nil, nil, err
		}
		s, err := keys.KeyringSigner(ring, keys.DefaultKeyringPrefix)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("using keyring service %s", cfg.KeyringService)
		return s, noop, nil
	}

	if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
		s, err := keys.GenerateKey(keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("generating keys: %w", err)
		}
		log.Infof("VAPID keys generated and saved to %s", keyPath)
		return s, noop, nil
	}
	s, err := keys.NewFileSigner(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading keys: %w", err)
	}
	log.Infof("VAPID keys loaded from %s", keyPath)
	return s, noop, nil
}
