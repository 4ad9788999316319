package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/jigtrack/internal/apierror"
	"github.com/florianilch/jigtrack/internal/app"
	"github.com/florianilch/jigtrack/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand().Run(ctx, args)
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "jigtrack",
		Usage: "Authenticated client for the jig-tracking API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "OpenTelemetry log exporter (stdout|otlp-grpc|otlp-http)",
			},
			&cli.StringFlag{
				Name:  "api--base-url",
				Usage: "jig-tracking API base URL",
				Value: app.DefaultConfigAPIBaseURL,
			},
		},
		Commands: []*cli.Command{
			startCommand(),
			loginCommand(),
			logoutCommand(),
			statusCommand(),
			requestCommand(),
		},
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "run the local gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
		},
		Action: startAction,
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "log in and store the session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "usuario",
				Aliases:  []string{"u"},
				Usage:    "user name",
				Required: true,
			},
		},
		Action: loginAction,
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "remove every stored credential",
		Action: logoutAction,
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "show the stored session",
		Action: statusAction,
	}
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "send an authenticated API request",
		ArgsUsage: "METHOD PATH",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data",
				Usage: "JSON request body",
			},
		},
		Action: requestAction,
	}
}

// setup loads the config, installs the logger and builds the app.
// The returned cleanup flushes logs and releases the credential store.
func setup(ctx context.Context, cmd *cli.Command) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), cfg.LogExporter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		_ = shutdown(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	cleanup := func() {
		if err := application.Close(); err != nil {
			slog.WarnContext(ctx, "failed to close credential store", "error", err)
		}
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintln(cmd.Root().ErrWriter, "failed to flush logs:", err)
		}
	}
	return application, cleanup, nil
}

func startAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), cfg.LogExporter)
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	// Start closes the credential store on shutdown
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	password, err := readPassword(cmd.Root().ErrWriter, stdin(cmd))
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	application, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	profile, err := application.Session().Login(ctx, cmd.String("usuario"), password)
	if err != nil {
		return err
	}

	return printJSON(cmd.Root().Writer, profile)
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := application.Session().Clear(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, "logged out")
	return err
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	state := application.Session().Bootstrap(ctx)
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return printJSON(cmd.Root().Writer, data)
}

func requestAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("expected METHOD PATH, got %d arguments", cmd.Args().Len())
	}
	method := strings.ToUpper(cmd.Args().Get(0))
	path := cmd.Args().Get(1)

	var body any
	if data := cmd.String("data"); data != "" {
		if !json.Valid([]byte(data)) {
			return errors.New("--data is not valid JSON")
		}
		body = json.RawMessage(data)
	}

	application, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := application.Client().Request(ctx, method, path, body, nil)
	var statusErr *apierror.StatusError
	if err != nil && !errors.As(err, &statusErr) {
		if apierror.RequiresLogin(err) {
			return fmt.Errorf("%w (run `jigtrack login`)", err)
		}
		return err
	}

	if len(resp.Body.Raw) > 0 {
		if printErr := printJSON(cmd.Root().Writer, resp.Body.Raw); printErr != nil {
			return printErr
		}
	}
	return err
}

// stdin returns the root command's input, os.Stdin unless replaced.
func stdin(cmd *cli.Command) io.Reader {
	if r := cmd.Root().Reader; r != nil {
		return r
	}
	return os.Stdin
}

// readPassword prompts on a terminal, or reads one line from a pipe.
func readPassword(prompt io.Writer, in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		password, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// printJSON writes indented JSON, or the raw bytes when they are not JSON.
func printJSON(w io.Writer, data []byte) error {
	var out []byte
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		if indented, err := json.MarshalIndent(v, "", "  "); err == nil {
			out = indented
		}
	}
	if out == nil {
		out = data
	}
	_, err := fmt.Fprintln(w, string(out))
	return err
}
