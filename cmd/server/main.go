package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"monconnect/internal/dispatch"
	"monconnect/internal/dispute"
	"monconnect/internal/escrow"
	"monconnect/internal/escrowsync"
	"monconnect/internal/server"
	"monconnect/internal/wallet"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := cli.NewApp()
	app.Name = "monconnect"
	app.Usage = "event escrow dashboard backend for Monad"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "TOML config file layered over deployments.json",
			EnvVar: "MONCONNECT_CONFIG",
		},
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "debug, info, warn or error",
			EnvVar: "LOG_LEVEL",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the synchronizers and the HTTP API",
			Action: serve,
		},
		{
			Name:  "jobs",
			Usage: "fetch and print one escrow list for the session account",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "view", Value: "organizer", Usage: "organizer or vendor"},
				cli.StringFlag{Name: "tab", Value: "active", Usage: "active, history or all"},
			},
			Action: printJobs,
		},
		{
			Name:  "disputes",
			Usage: "print the local dispute list",
			Flags: []cli.Flag{
				cli.Int64Flag{Name: "job", Value: -1, Usage: "only disputes for this job id"},
			},
			Action: printDisputes,
		},
	}
	app.Action = serve

	if err := app.Run(os.Args); err != nil {
		slog.Error("monconnect exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func serve(c *cli.Context) error {
	logger := newLogger(os.Stdout, c.GlobalString("log-level"))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := setup(ctx, c.GlobalString("config"), logger)
	if err != nil {
		return err
	}
	defer env.Close()

	views := env.newViews()
	dviews := make(map[escrow.Role]dispatch.View, len(views))
	for role, v := range views {
		dviews[role] = v
	}
	dispatcher := dispatch.New(dispatch.Config{
		Client:          env.client,
		Self:            env.self,
		Views:           dviews,
		Disputes:        env.disputes,
		ConfirmTimeout:  env.cfg.Confirm.Timeout,
		OrganizerFeeBps: env.cfg.Fees.OrganizerBps,
		Logger:          logger,
		Metrics:         env.metrics,
	})

	apiServer := server.NewServer(env.cfg, server.Deps{
		Self:       env.self,
		Client:     env.client,
		Views:      views,
		Dispatcher: dispatcher,
		Disputes:   env.disputes,
		Gate:       env.gate,
		Jury:       env.jury,
		Store:      env.store,
		Balance:    env.session.Balance,
		Metrics:    env.metrics,
		Logger:     logger,
	})

	resets := make(chan error, 1)
	env.session.OnReset(func(ev wallet.Event) {
		logger.Warn("wallet session reset, shutting down", "event", string(ev.Kind))
		select {
		case resets <- fmt.Errorf("%w: %s", wallet.ErrSessionReset, ev.Kind):
		default:
		}
		cancel()
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range views {
		g.Go(func() error { return v.Run(gctx) })
	}
	g.Go(apiServer.Start)
	g.Go(func() error {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			logger.Info("shutting down", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return apiServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	select {
	case err := <-resets:
		return err
	default:
		return nil
	}
}

func printJobs(c *cli.Context) error {
	logger := newLogger(os.Stderr, c.GlobalString("log-level"))
	ctx := context.Background()

	env, err := setup(ctx, c.GlobalString("config"), logger)
	if err != nil {
		return err
	}
	defer env.Close()

	role, err := escrow.ParseRole(c.String("view"))
	if err != nil {
		return err
	}
	view := env.newView(role)
	snap, err := view.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("fetch %s jobs: %w", role, err)
	}

	var list []escrow.Projection
	switch c.String("tab") {
	case "active":
		list = snap.Active()
	case "history":
		list = snap.History()
	case "all":
		list = snap.All
	default:
		return fmt.Errorf("%w: unknown tab %q", escrow.ErrInvalidInput, c.String("tab"))
	}
	return printJSON(struct {
		View    escrow.Role          `json:"view"`
		Account string               `json:"account"`
		Jobs    []escrow.Projection  `json:"jobs"`
		Skipped []escrowsync.Skipped `json:"skipped,omitempty"`
		Stats   escrowsync.Stats     `json:"stats"`
	}{role, env.self.Hex(), list, snap.Skipped, snap.Stats()})
}

func printDisputes(c *cli.Context) error {
	logger := newLogger(os.Stderr, c.GlobalString("log-level"))
	ctx := context.Background()

	env, err := setup(ctx, c.GlobalString("config"), logger)
	if err != nil {
		return err
	}
	defer env.Close()

	var list []dispute.Dispute
	if job := c.Int64("job"); job >= 0 {
		list, err = dispute.ListByJob(ctx, env.disputes, uint64(job))
	} else {
		list, err = env.disputes.ListAll(ctx)
	}
	if err != nil {
		return err
	}
	return printJSON(list)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
