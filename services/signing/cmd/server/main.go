// Command server runs the signing service: the public signing link routes
// and the operator contract API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accordsai/signdesk/pkg/authn"
	"github.com/accordsai/signdesk/pkg/evidence"
	"github.com/accordsai/signdesk/pkg/logging"
	"github.com/accordsai/signdesk/pkg/sigevent"
	"github.com/accordsai/signdesk/pkg/sigsurface"
	"github.com/accordsai/signdesk/services/signing/internal/api"
	"github.com/accordsai/signdesk/services/signing/internal/config"
	"github.com/accordsai/signdesk/services/signing/internal/geocodeclient"
	"github.com/accordsai/signdesk/services/signing/internal/store"
	"github.com/accordsai/signdesk/services/signing/internal/workflow"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	signer, err := cfg.Signer()
	if err != nil {
		return fmt.Errorf("evidence seal key: %w", err)
	}
	if signer == nil {
		logger.Warn("EVIDENCE_SEAL_KEY not set, evidence bundles will be unsealed")
	} else {
		logger.Info("evidence sealing enabled", zap.String("key_id", signer.KeyID()))
	}

	opts := []workflow.Option{
		workflow.WithLinks(cfg.PublicBaseURL, cfg.SigningRoute),
		workflow.WithEvidence(evidence.NewGenerator(evidence.PDFRenderer{Issuer: cfg.EvidenceIssuer}, signer)),
		workflow.WithRequirements(sigevent.Requirements{
			CPF:       cfg.RequireCPF,
			BirthDate: cfg.RequireBirthDate,
			Image:     sigsurface.Limits{MaxBytes: cfg.MaxSignatureBytes, MinInkPixels: cfg.MinInkPixels},
		}),
	}
	if cfg.GeocoderURL != "" {
		gc := geocodeclient.New(cfg.GeocoderURL, cfg.GeocoderAgent, cfg.GeocoderTimeout)
		opts = append(opts, workflow.WithGeocoder(gc, cfg.GeocoderTimeout))
	}
	svc := workflow.New(st, logger, opts...)

	proxies, err := cfg.Proxies()
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	operator := authn.NewOperator(cfg.OperatorToken)
	h := api.NewHandler(svc, st, st, operator, logger, api.Options{
		Route: cfg.SigningRoute,
		// base64 inflates the image by 4/3; leave room for the other fields.
		MaxBodyBytes:   int64(cfg.MaxSignatureBytes)*4/3 + 64<<10,
		SubmitPerMin:   cfg.SubmitRatePerMinute,
		SubmitBurst:    cfg.SubmitBurst,
		TrustedProxies: proxies,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.String("signing_route", "/"+cfg.SigningRoute),
			zap.String("operator_token", operator.Fingerprint()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server gracefully stopped")
	return nil
}
