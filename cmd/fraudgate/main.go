// Command fraudgate runs the form-submission admission and fraud-scoring
// HTTP service.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dragstor/fraudgate/internal/admission"
	"github.com/dragstor/fraudgate/internal/analytics"
	"github.com/dragstor/fraudgate/internal/blacklist"
	"github.com/dragstor/fraudgate/internal/captcha"
	"github.com/dragstor/fraudgate/internal/config"
	"github.com/dragstor/fraudgate/internal/httpapi"
	"github.com/dragstor/fraudgate/internal/risk"
	"github.com/dragstor/fraudgate/internal/signals"
	"github.com/dragstor/fraudgate/internal/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := log.Logger

	configPath := flag.String("config", "", "path to a JSON config file; when set, used instead of FRAUD_CONFIG")
	flag.Parse()

	var cfg config.Config
	var err error
	if *configPath != "" {
		raw, readErr := os.ReadFile(*configPath)
		if readErr != nil {
			logger.Fatal().Err(readErr).Msg("failed to read configuration file")
		}
		cfg, err = config.LoadFromJSON(raw)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	st, err := store.Open(cfg.DB.DriverName, cfg.DB.DSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open event store")
	}
	defer st.Close()

	verifier := captcha.NewHTTPVerifier(captcha.Config{
		Secret:        cfg.Captcha.Secret,
		SiteVerifyURL: cfg.Captcha.SiteVerifyURL,
		Timeout:       cfg.Captcha.Timeout,
		RatePerSecond: cfg.Captcha.RatePerSecond,
		Burst:         cfg.Captcha.Burst,
	}, logger)

	var captchaVerifier admission.CaptchaVerifier
	if cfg.AllowTestingBypass && cfg.TestingBypassAPIKey != "" {
		captchaVerifier = captcha.NewBypassVerifier(verifier, cfg.TestingBypassAPIKey, newEphemeralID)
	} else {
		captchaVerifier = admission.NewProductionVerifier(verifier)
	}

	bl := blacklist.New(st, cfg.Timeouts)
	collector := signals.New(st, nil, nil, cfg.Detection, logger)
	scorer := risk.New(cfg.Risk, cfg.Detection)

	ctrl := admission.New(st, captchaVerifier, bl, collector, scorer, cfg, logger)
	analyticsSvc := analytics.New(st)

	server := httpapi.New(ctrl, analyticsSvc, cfg.AnalyticsAPIKey, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("fraudgate listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// newEphemeralID generates a unique device ID for bypassed CAPTCHA
// verifications (§6's testing-bypass flow), so downstream fraud detection
// still has a device identity to key windowed signals on.
func newEphemeralID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "bypass-" + hex.EncodeToString(buf)
}
