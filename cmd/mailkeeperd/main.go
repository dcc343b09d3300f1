package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/mailkeeper/mailkeeper/internal/agent"
	"github.com/mailkeeper/mailkeeper/internal/config"
	"github.com/mailkeeper/mailkeeper/internal/dispatch"
	"github.com/mailkeeper/mailkeeper/internal/httpapi"
	"github.com/mailkeeper/mailkeeper/internal/imapclient"
	"github.com/mailkeeper/mailkeeper/internal/listener"
	"github.com/mailkeeper/mailkeeper/internal/store"
	"github.com/mailkeeper/mailkeeper/internal/syncsvc"
	"github.com/mailkeeper/mailkeeper/pkg/types"
)

var version = "dev"

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 && args[0] == "listeners" {
		runListenersCommand()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailkeeperd: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("mailkeeperd exited with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := listener.New(cfg.ListenerDir, logger)
	if err := reg.LoadAll(); err != nil {
		return fmt.Errorf("load listeners: %w", err)
	}
	if err := reg.Watch(); err != nil {
		logger.WithError(err).Warn("listener hot reload disabled")
	}
	defer reg.Close()

	hub := httpapi.NewHub(logger)
	reg.OnChange(hub.BroadcastListenersUpdate)

	ag := agent.New(cfg.AnthropicAPIKey)

	clients := make(map[string]*imapclient.Client, len(cfg.Accounts))
	syncs := make(map[string]*syncsvc.Service, len(cfg.Accounts))

	var primary *imapclient.Client
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		cl := imapclient.New(acc, logger)
		if err := cl.Connect(ctx); err != nil {
			logger.WithError(err).WithField("account", acc.Name).Error("initial IMAP connect failed, will retry lazily")
		}
		clients[acc.Name] = cl
		if primary == nil {
			primary = cl
		}
	}

	// Dispatcher is bound to the primary (first-configured) account's IMAP
	// client: spec.md's Non-goals exclude multi-account federation, so a
	// listener's remote mutations only ever need to reach one mailbox.
	d := dispatch.New(reg, st, primary, hub.BroadcastNotification, ag, logger)

	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		accountID, err := st.UpsertAccount(ctx, acc)
		if err != nil {
			return fmt.Errorf("register account %s: %w", acc.Name, err)
		}
		onReceived := func(email *types.Email) {
			d.CheckEvent(types.EventEmailReceived, email)
		}
		syncs[acc.Name] = syncsvc.New(acc.Name, accountID, st, clients[acc.Name], logger, onReceived)
	}

	for name, cl := range clients {
		svc := syncs[name]
		if err := cl.StartIdleMonitoring("INBOX", func(folder string, n uint32) {
			svc.OnIdleMail(folder, n)
		}); err != nil {
			logger.WithError(err).WithField("account", name).Warn("failed to start idle monitoring")
		}
	}

	server := httpapi.New(cfg, st, reg, syncs, hub, logger)

	logger.WithField("version", version).Info("mailkeeperd starting")
	err = server.Start(ctx)

	for _, cl := range clients {
		cl.StopIdleMonitoring()
		_ = cl.Close()
	}

	return err
}

func runListenersCommand() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailkeeperd: %v\n", err)
		os.Exit(1)
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	reg := listener.New(cfg.ListenerDir, logger)
	if err := reg.LoadAll(); err != nil {
		fmt.Fprintf(os.Stderr, "mailkeeperd: failed to load listeners: %v\n", err)
		os.Exit(1)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Event", "Enabled"})
	for _, lc := range reg.GetAll() {
		enabled := "no"
		if lc.Enabled {
			enabled = "yes"
		}
		table.Append([]string{lc.ID, lc.Name, string(lc.Event), enabled})
	}
	table.Render()
}
