package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/tendant/simple-output/pkg/simpleoutput"
	"github.com/tendant/simple-output/pkg/simpleoutput/config"
)

type commandContext struct {
	configFlag  *string
	envFileFlag *string
	dataDirFlag *string

	configOnce sync.Once
	config     *config.ServerConfig
	configErr  error
	logger     *slog.Logger
}

func newCommandContext(configFlag, envFileFlag, dataDirFlag *string) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		envFileFlag: envFileFlag,
		dataDirFlag: dataDirFlag,
	}
}

func flagValue(flag *string) string {
	if flag == nil {
		return ""
	}
	return strings.TrimSpace(*flag)
}

func (c *commandContext) ensureConfig() (*config.ServerConfig, error) {
	c.configOnce.Do(func() {
		if envFile := flagValue(c.envFileFlag); envFile != "" {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.configErr = err
				return
			}
		}

		var opts []config.Option
		if path := flagValue(c.configFlag); path != "" {
			opts = append(opts, config.WithFile(path))
		} else {
			opts = append(opts, config.WithEnv())
		}
		if dir := flagValue(c.dataDirFlag); dir != "" {
			opts = append(opts, config.WithDataDir(dir))
		}

		cfg, err := config.Load(opts...)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = newLogger(cfg)
	})
	return c.config, c.configErr
}

func newLogger(cfg *config.ServerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// service builds the service for one-shot commands. The workers are not
// started; the caller must invoke cleanup.
func (c *commandContext) service(ctx context.Context) (simpleoutput.Service, func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	return cfg.BuildService(ctx, c.logger)
}
