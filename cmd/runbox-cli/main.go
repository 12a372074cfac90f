package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"runbox/internal/cli/client"
	"runbox/internal/cli/config"
	httpclient "runbox/internal/cli/http"
	"runbox/internal/cli/repl"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v3"
)

const defaultConfigPath = "configs/cli.yaml"

type app struct {
	cfg    config.Config
	api    *httpclient.Client
	render *client.Renderer
}

func main() {
	exitCode := 0
	cmd := &cli.Command{
		Name:  "runbox-cli",
		Usage: "run programs on a runbox server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   defaultConfigPath,
				Usage:   "path to config file",
				Sources: cli.EnvVars("RUNBOX_CLI_CONFIG"),
			},
			&cli.StringFlag{Name: "base", Usage: "override server base URL"},
			&cli.DurationFlag{Name: "timeout", Usage: "override connect timeout (e.g. 10s)"},
			&cli.BoolFlag{Name: "no-color", Usage: "disable colored output"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return a.repl(ctx)
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run a source file",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "lang", Aliases: []string{"l"}, Usage: "language, inferred from the extension when empty"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() < 1 {
						return errors.New("usage: runbox-cli run <file> [--lang language]")
					}
					a, err := newApp(cmd)
					if err != nil {
						return err
					}
					code, err := a.runFile(ctx, cmd.Args().First(), cmd.String("lang"))
					exitCode = code
					return err
				},
			},
			{
				Name:  "languages",
				Usage: "list languages supported by the server",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := newApp(cmd)
					if err != nil {
						return err
					}
					var langs []repl.LanguageInfo
					if err := a.api.GetJSON(ctx, "/api/v1/sandbox/languages", &langs); err != nil {
						return err
					}
					for _, l := range langs {
						fmt.Printf("%-12s %s\n", l.ID, l.Name)
					}
					return nil
				},
			},
			{
				Name:  "repl",
				Usage: "start an interactive shell",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := newApp(cmd)
					if err != nil {
						return err
					}
					return a.repl(ctx)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "runbox-cli: %v\n", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func newApp(cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if base := cmd.String("base"); base != "" {
		cfg.BaseURL = base
	}
	if timeout := cmd.Duration("timeout"); timeout > 0 {
		cfg.Timeout = timeout
	}
	colored := *cfg.Color && !cmd.Bool("no-color")
	return &app{
		cfg:    cfg,
		api:    httpclient.New(cfg.BaseURL, cfg.Timeout),
		render: client.NewRenderer(os.Stdout, os.Stderr, colored),
	}, nil
}

func (a *app) lineReader() (*readline.Instance, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "runbox> ",
		HistoryFile:     a.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("init terminal failed: %w", err)
	}
	return rl, nil
}

func (a *app) repl(ctx context.Context) error {
	rl, err := a.lineReader()
	if err != nil {
		return err
	}
	defer func() { _ = rl.Close() }()
	a.render.Info("runbox %s", a.api.BaseURL())
	return repl.New(a.api, a.render, rl, a.cfg.Language).Run(ctx)
}

// runFile returns the program's exit code so the shell sees it.
func (a *app) runFile(ctx context.Context, path, language string) (int, error) {
	rl, err := a.lineReader()
	if err != nil {
		return 0, err
	}
	defer func() { _ = rl.Close() }()
	session := repl.New(a.api, a.render, rl, a.cfg.Language)
	defer session.Close()

	res, err := session.RunFile(ctx, path, language)
	if err != nil {
		return 0, err
	}
	if res.RuntimeError && res.ExitCode == 0 {
		return 1, nil
	}
	return res.ExitCode, nil
}
