// Command wren is a minimal driver for the SDK: log in, resume stored
// accounts, and send encrypted messages from the terminal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/wren-im/wren/internal/account"
	"github.com/wren-im/wren/internal/config"
	"github.com/wren-im/wren/internal/credentials"
	"github.com/wren-im/wren/internal/logger"
)

func main() {
	log := logger.New(slog.LevelDebug)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.CryptoDBPath, 0700); err != nil {
		log.Error("failed to create crypto db directory", "err", err)
		os.Exit(1)
	}

	mgr := account.NewManager(log, cfg)
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, mgr, os.Args[1:]); err != nil {
		log.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, mgr *account.Manager, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: wren <login|send|trust|accounts> ...")
	}

	switch args[0] {
	case "login":
		if len(args) != 3 {
			return fmt.Errorf("usage: wren login <homeserver> <username>")
		}
		password := os.Getenv("WREN_PASSWORD")
		if password == "" {
			return fmt.Errorf("set WREN_PASSWORD")
		}
		session, err := mgr.Login(ctx, args[1], args[2], password)
		if err != nil {
			return err
		}
		log.Info("logged in", "user", session.Client().UserID)
		return nil

	case "send":
		if len(args) != 4 {
			return fmt.Errorf("usage: wren send <user_id> <room_id> <message>")
		}
		session, err := mgr.Resume(ctx, id.UserID(args[1]))
		if err != nil {
			return err
		}
		eventID, err := session.SendEncrypted(ctx, id.RoomID(args[2]), event.EventMessage,
			map[string]any{
				"msgtype": "m.text",
				"body":    args[3],
			})
		if err != nil {
			return err
		}
		log.Info("sent", "room", args[2], "event", eventID)
		return nil

	case "trust":
		if len(args) != 3 {
			return fmt.Errorf("usage: wren trust <user_id> <target_user_id>")
		}
		session, err := mgr.Resume(ctx, id.UserID(args[1]))
		if err != nil {
			return err
		}
		return session.Machine().Trust().TrustUser(ctx, id.UserID(args[2]))

	case "accounts":
		for _, userID := range credentials.KnownAccounts() {
			fmt.Println(userID)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
