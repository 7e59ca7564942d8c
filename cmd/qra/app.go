package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/remiblancher/qpki-ra/internal/approval"
	"github.com/remiblancher/qpki-ra/internal/audit"
	"github.com/remiblancher/qpki-ra/internal/config"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/lifecycle"
	"github.com/remiblancher/qpki-ra/internal/metrics"
	"github.com/remiblancher/qpki-ra/internal/profile"
	"github.com/remiblancher/qpki-ra/internal/validator"
)

// application holds the components a command works with.
type application struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     endentity.Store
	profiles  *profile.Registry
	approvals approval.Store
	validator *validator.Validator
	workflow  *lifecycle.Workflow
	metrics   *metrics.Metrics
	closers   []io.Closer
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newApplication(ctx context.Context, cfg *config.Config, logOut io.Writer) (*application, error) {
	logger := newLogger(cfg.Log, logOut)
	a := &application{cfg: cfg, logger: logger}

	if err := os.MkdirAll(cfg.Data.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Data.Backend {
	case config.BackendSQLite:
		s, err := endentity.NewSQLiteStore(cfg.Data.DatabasePath(), logger)
		if err != nil {
			return nil, err
		}
		a.store = s
		a.closers = append(a.closers, s)
	default:
		a.store = endentity.NewFileStore(cfg.Data.EndEntitiesPath())
	}

	a.profiles = profile.NewRegistry(profile.NewFileStore(cfg.Data.ProfilesPath(), logger), logger)
	if err := a.profiles.Load(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	clk := clock.New()
	certProfiles := make(validator.CertProfileMap, len(cfg.Policy.CertProfiles))
	for _, cp := range cfg.Policy.CertProfiles {
		certProfiles[cp.ID] = &validator.CertProfile{
			ID:                cp.ID,
			Name:              cp.Name,
			UsedExtensionKeys: cp.UsedExtensions,
			EABNamespaces:     cp.EABNamespaces,
		}
	}
	a.validator = validator.New(certProfiles, validator.WithClock(clk), validator.WithLogger(logger))

	cas, err := caRegistry(cfg.Policy.CAs)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.approvals = approval.NewFileStore(cfg.Data.ApprovalsPath())
	gate := approval.NewGate(lifecycle.ApprovalPolicy(cas), a.approvals, clk, logger)

	opts := []lifecycle.Option{
		lifecycle.WithGate(gate),
		lifecycle.WithDefaultCA(cfg.Policy.DefaultCA),
		lifecycle.WithClock(clk),
		lifecycle.WithLogger(logger),
	}
	// Without configured CAs every CA id is accepted.
	if len(cas) > 0 {
		opts = append(opts, lifecycle.WithCAs(cas))
	}
	if cfg.Audit.Enabled {
		w, err := audit.NewFileWriter(cfg.AuditPath())
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, w)
		opts = append(opts, lifecycle.WithAudit(w))
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Runtime)
		opts = append(opts, lifecycle.WithMetrics(a.metrics))
	}
	a.workflow = lifecycle.New(a.store, a.profiles, a.validator, opts...)
	return a, nil
}

func caRegistry(cfgs []config.CAConfig) (lifecycle.CAMap, error) {
	cas := make([]lifecycle.CAInfo, 0, len(cfgs))
	for _, c := range cfgs {
		info := lifecycle.CAInfo{
			ID:                  c.ID,
			Name:                c.Name,
			UniqueSerialNumbers: c.UniqueSerialNumbers,
			Approvals:           make(map[approval.Action]int, len(c.Approvals)),
		}
		for name, n := range c.Approvals {
			action, err := approval.ParseAction(name)
			if err != nil {
				return nil, fmt.Errorf("CA %d: %w", c.ID, err)
			}
			info.Approvals[action] = n
		}
		cas = append(cas, info)
	}
	return lifecycle.NewCAMap(cas...), nil
}

// Close writes the metrics textfile and releases stores and the audit log.
func (a *application) Close() error {
	var errs []error
	if a.metrics != nil {
		if err := prometheus.WriteToTextfile(a.cfg.MetricsPath(), a.metrics.Registry()); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
