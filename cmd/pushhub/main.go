package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"pushhub/internal/app"
	"pushhub/internal/auth"
	"pushhub/internal/config"
	"pushhub/internal/database"
	"pushhub/internal/logging"
	"pushhub/pkg/types"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"omitempty,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
}

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("program shutdown")
	}
}

func newCLI() *cli.App {
	var args cliArgs

	return &cli.App{
		Name:        "pushhub",
		Usage:       "real-time assignment and chat push hub",
		Description: "Serves the websocket push channel for technicians and clients of the repair marketplace",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"PUSHHUB_JSON_LOG"},
				Destination: &args.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				Destination: &args.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "YAML config file, applied over PUSHHUB_* environment variables",
				Aliases:     []string{"c"},
				EnvVars:     []string{"PUSHHUB_CONFIG_FILE"},
				Destination: &args.ConfigFile,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the push hub",
				Action: func(c *cli.Context) error { return serve(c, &args) },
			},
			{
				Name:  "token",
				Usage: "Mint a signed auth token for an actor",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "actor", Aliases: []string{"a"}, Usage: "actor (user) id", Required: true},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime, defaults to auth.token_ttl"},
				},
				Action: func(c *cli.Context) error { return mintToken(c, &args) },
			},
			{
				Name:  "seed",
				Usage: "Load users, technicians and orders from a YAML fixture file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "fixtures", Aliases: []string{"f"}, Usage: "fixture file", Required: true},
				},
				Action: func(c *cli.Context) error { return seed(c, &args) },
			},
		},
	}
}

// loadConfig validates the flags, loads the config and sets up logging
func loadConfig(args *cliArgs) (*config.Config, error) {
	if err := validator.New().Struct(args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	cfg, err := config.Load(args.ConfigFile)
	if err != nil {
		return nil, err
	}
	if args.LogLevel != "" {
		cfg.Logging.Level = logging.LogLevel(args.LogLevel)
	}
	if args.JSONLog {
		cfg.Logging.Format = logging.FormatJSON
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, nil
}

func serve(c *cli.Context, args *cliArgs) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return application.Run(ctx)
}

func mintToken(c *cli.Context, args *cliArgs) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	ttl := c.Duration("ttl")
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	token, err := issuer.Issue(types.ActorID(c.Int64("actor")), ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, token)
	return err
}

func seed(c *cli.Context, args *cliArgs) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	fixtures, err := database.LoadFixtures(c.String("fixtures"))
	if err != nil {
		return err
	}
	db, err := database.NewManager(&cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()
	if err := db.ApplyFixtures(ctx, fixtures); err != nil {
		return err
	}
	log.Info().
		Int("users", len(fixtures.Users)).
		Int("technicians", len(fixtures.Technicians)).
		Int("orders", len(fixtures.Orders)).
		Msg("fixtures applied")
	return nil
}
