package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hed1ad/plantguard/pkg/config"
	pgcsv "github.com/hed1ad/plantguard/pkg/io/csv"
	"github.com/hed1ad/plantguard/pkg/logging"
	"github.com/hed1ad/plantguard/pkg/runs"
	"github.com/hed1ad/plantguard/pkg/schema"
)

type rootFlags struct {
	config    string
	logLevel  string
	logFormat string
}

type commandContext struct {
	flags *rootFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *zap.Logger
	loggerErr  error
}

func newCommandContext(flags *rootFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if v := strings.TrimSpace(c.flags.logLevel); v != "" {
			cfg.Logging.Level = v
		}
		if v := strings.TrimSpace(c.flags.logFormat); v != "" {
			cfg.Logging.Format = v
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*zap.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	})
	return c.logger, c.loggerErr
}

func (c *commandContext) log() *zap.Logger {
	if c.logger != nil {
		return c.logger
	}
	return zap.NewNop()
}

func (c *commandContext) sync() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

// schema returns the configured feature schema, or the plant schema when
// none is configured.
func (c *commandContext) schema() (*schema.Schema, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if len(cfg.Data.Features) == 0 {
		return schema.Default(), nil
	}
	return schema.New(cfg.Data.Features)
}

// loadRuns reads the CSV at path into a run store bound to sch.
func (c *commandContext) loadRuns(ctx context.Context, path string, sch *schema.Schema) (*runs.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		path = cfg.Data.Path
	}
	reader, err := pgcsv.NewReader(path, sch,
		pgcsv.WithRunColumn(cfg.Data.RunColumn),
		pgcsv.WithTimestampColumn(cfg.Data.TimestampColumn),
		pgcsv.WithAnomalyColumn(cfg.Data.AnomalyColumn),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer reader.Close()

	store, err := pgcsv.LoadStore(ctx, reader, sch.Len())
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	c.log().Info("loaded runs",
		zap.String("path", path),
		zap.Int("runs", store.Len()),
		zap.Int("timesteps", store.Timesteps()),
	)
	return store, nil
}
