package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bhandras/marketchat/internal/api"
	"github.com/bhandras/marketchat/internal/clock"
	"github.com/bhandras/marketchat/internal/config"
	"github.com/bhandras/marketchat/internal/session"
	"github.com/bhandras/marketchat/internal/storage"
	"github.com/bhandras/marketchat/internal/websocket"
	"github.com/bhandras/marketchat/pkg/logger"
	"github.com/bhandras/marketchat/pkg/types"
)

const version = "marketchat v0.3.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// identityFlags are the flags that override the cached session.
type identityFlags struct {
	user  string
	name  string
	role  string
	token string
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	id, args, err := parseFlags(cfg, os.Args[1:])
	if err != nil {
		return err
	}
	if args == nil {
		return nil
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	logger.Debugf("Config: API=%s, Realtime=%s%s (%s), Home=%s",
		cfg.APIURL, cfg.RealtimeURL, cfg.RealtimePath, cfg.Transport, cfg.Home)

	cache := storage.NewSessionCache(cfg.Home)

	cmd := "watch"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "help":
		printUsage()
		return nil
	case "version":
		fmt.Println(version)
		return nil
	case "logout":
		if err := cache.Clear(); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	case "login":
		user, err := resolveUser(cfg, cache, id)
		if err != nil {
			return err
		}
		return saveUser(cache, user)
	case "watch", "send", "status", "thread":
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	user, err := resolveUser(cfg, cache, id)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := api.New(cfg.APIURL, user.Token)
	defer client.Close()

	manager := websocket.NewManager(newTransport(cfg), websocket.Options{
		URL:                 cfg.RealtimeURL,
		Backoff:             backoffFromConfig(cfg),
		DisableReconnection: !cfg.Reconnect.Enabled,
		DialTimeout:         cfg.DialTimeout,
		QueueOffline:        cfg.QueueOffline,
		OutboxLimit:         cfg.OutboxLimit,
		OutboxMaxAttempts:   cfg.Reconnect.MaxAttempts,
		Cache:               cache,
		Clock:               clock.RealClock{},
	})
	defer manager.Close()

	store := session.New(client, client, manager, session.Options{
		NotificationLimit: cfg.NotificationLimit,
		ReconcileInterval: cfg.UnreadReconcileInterval,
	})
	if err := store.Start(ctx, user); err != nil {
		return err
	}
	defer store.Stop()

	if err := saveUser(cache, user); err != nil {
		logger.Warnf("failed to cache session: %v", err)
	}

	switch cmd {
	case "send":
		return sendCommand(ctx, store, args)
	case "status":
		printStatus(store)
		return nil
	case "thread":
		return threadCommand(ctx, store, args)
	}
	return watchCommand(ctx, store, manager)
}

func parseFlags(cfg *config.Config, args []string) (identityFlags, []string, error) {
	fs := flag.NewFlagSet("marketchat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var id identityFlags
	fs.StringVar(&id.user, "user", "", "User id")
	fs.StringVar(&id.name, "name", "", "Display name")
	fs.StringVar(&id.role, "role", "", "Role (customer|vendor|admin|delivery)")
	fs.StringVar(&id.token, "token", "", "Bearer token")
	transport := fs.String("transport", "", "Realtime transport (socketio|websocket)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	showHelp := fs.Bool("help", false, "Show help")

	if err := fs.Parse(args); err != nil {
		return id, nil, err
	}
	if *showHelp {
		printUsage()
		return id, nil, nil
	}

	if *transport != "" {
		switch *transport {
		case config.TransportSocketIO:
			if cfg.Transport != config.TransportSocketIO && cfg.RealtimePath == "/ws" {
				cfg.RealtimePath = "/socket.io/"
			}
		case config.TransportWebSocket:
			if cfg.Transport != config.TransportWebSocket && cfg.RealtimePath == "/socket.io/" {
				cfg.RealtimePath = "/ws"
			}
		default:
			return id, nil, fmt.Errorf("invalid --transport %q (expected socketio or websocket)", *transport)
		}
		cfg.Transport = *transport
	}
	if *debug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}

	rest := fs.Args()
	if rest == nil {
		rest = []string{}
	}
	return id, rest, nil
}

// resolveUser merges flags, the environment token and the cached session.
func resolveUser(cfg *config.Config, cache *storage.SessionCache, id identityFlags) (types.User, error) {
	cached, _, err := cache.Load()
	if err != nil {
		logger.Warnf("ignoring unreadable session cache: %v", err)
		cached = storage.CachedSession{}
	}

	user := types.User{
		ID:    firstNonEmpty(id.user, cached.UserID),
		Name:  firstNonEmpty(id.name, cached.Name),
		Role:  types.Role(firstNonEmpty(id.role, string(cached.Role))),
		Token: firstNonEmpty(id.token, cfg.Token, cached.Token),
	}
	if user.ID == "" && user.Token != "" {
		if sub, err := websocket.TokenSubject(user.Token); err == nil {
			user.ID = sub
		}
	}
	if user.ID == "" && user.Token == "" {
		return types.User{}, errors.New("no user: pass --user or --token, or run `marketchat login` first")
	}
	if !user.Role.Valid() {
		return types.User{}, fmt.Errorf("invalid or missing role %q: pass --role", user.Role)
	}
	return user, nil
}

func saveUser(cache *storage.SessionCache, user types.User) error {
	if user.ID == "" {
		return errors.New("cannot cache a session without a user id")
	}
	return cache.Save(storage.CachedSession{
		UserID: user.ID,
		Name:   user.Name,
		Role:   user.Role,
		Token:  user.Token,
	})
}

func newTransport(cfg *config.Config) websocket.Transport {
	if cfg.Transport == config.TransportWebSocket {
		return websocket.NewWebSocketTransport(cfg.RealtimePath)
	}
	return websocket.NewSocketIOTransport(cfg.RealtimePath)
}

func backoffFromConfig(cfg *config.Config) websocket.Backoff {
	return websocket.Backoff{
		Initial:     cfg.Reconnect.InitialDelay,
		Max:         cfg.Reconnect.MaxDelay,
		Factor:      cfg.Reconnect.Factor,
		Jitter:      cfg.Reconnect.Jitter,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}
}

func sendCommand(ctx context.Context, store *session.Store, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	to := fs.String("to", "", "Recipient user id")
	toRole := fs.String("to-role", "", "Recipient role (customer|vendor|admin)")
	order := fs.String("order", "", "Order id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	content := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if content == "" {
		return errors.New("usage: marketchat send --to-role ROLE [--to ID] [--order ID] MESSAGE")
	}

	msg, err := store.SendMessage(ctx, types.SendRequest{
		RecipientID:   *to,
		RecipientType: types.Role(*toRole),
		Content:       content,
		OrderID:       *order,
	})
	if err != nil {
		return storeError(store, err)
	}
	fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Local().Format(time.Kitchen))
	return nil
}

func threadCommand(ctx context.Context, store *session.Store, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: marketchat thread ORDER_ID")
	}
	msgs, err := store.FetchOrderThread(ctx, args[0])
	if err != nil {
		return storeError(store, err)
	}
	if len(msgs) == 0 {
		fmt.Println("No messages yet.")
		return nil
	}
	for _, m := range msgs {
		printMessage(m)
	}
	return nil
}

// storeError prefers the store's display message over the raw error.
func storeError(store *session.Store, err error) error {
	if msg := store.Err(); msg != "" {
		return errors.New(msg)
	}
	return err
}

func printStatus(store *session.Store) {
	snap := store.Snapshot()
	fmt.Printf("Realtime: %s\n", snap.SocketStatus)
	fmt.Printf("Unread:   %d\n", snap.UnreadCount)
	if snap.Err != "" {
		fmt.Printf("Error:    %s\n", snap.Err)
	}

	if len(snap.Notifications) == 0 {
		fmt.Println("No notifications yet.")
	}
	for _, n := range snap.Notifications {
		mark := " "
		if !n.IsRead {
			mark = "*"
		}
		fmt.Printf("%s %s  %s\n", mark, n.CreatedAt.Local().Format(time.DateTime), n.Title)
	}

	if snap.User == nil {
		return
	}
	convs := store.Conversations(snap.User.Role)
	if len(convs) == 0 {
		fmt.Println("No messages yet.")
	}
	for _, c := range convs {
		peer := firstNonEmpty(c.PeerName, c.PeerID, c.OrderID)
		fmt.Printf("[%s] %s (%d unread): %s\n", c.Key, peer, c.UnreadCount, c.Latest.Content)
	}
}

func watchCommand(ctx context.Context, store *session.Store, manager *websocket.Manager) error {
	seen := make(map[string]bool)
	for _, m := range store.Messages(currentRole(store)) {
		seen[m.ID] = true
	}
	printStatus(store)

	var lastStatus websocket.Status
	lastUnread := -1
	changes := make(chan struct{}, 1)
	remove := store.AddListener(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	defer remove()

	fmt.Println("Watching for messages. Press Ctrl+C to exit.")
	for {
		select {
		case <-ctx.Done():
			if pending := manager.Outbox().Pending(); len(pending) > 0 {
				logger.Warnf("%d realtime message(s) still queued", len(pending))
			}
			return nil
		case <-changes:
		}

		snap := store.Snapshot()
		if snap.SocketStatus != lastStatus {
			lastStatus = snap.SocketStatus
			fmt.Printf("-- realtime %s\n", lastStatus)
		}
		if snap.UnreadCount != lastUnread {
			lastUnread = snap.UnreadCount
			fmt.Printf("-- %d unread\n", lastUnread)
		}
		if snap.User == nil {
			continue
		}
		for _, m := range snap.Messages[snap.User.Role] {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			printMessage(m)
		}
		if snap.Err != "" {
			fmt.Printf("!! %s\n", snap.Err)
			store.ClearError()
		}
	}
}

func currentRole(store *session.Store) types.Role {
	user, _ := store.User()
	return user.Role
}

func printMessage(m types.Message) {
	from := firstNonEmpty(m.SenderName, m.SenderID)
	fmt.Printf("%s  %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), from, m.Content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func printUsage() {
	fmt.Println(`marketchat - marketplace messaging client

Usage:
  marketchat [flags] [command]

Commands:
  watch                  Follow messages, notifications and unread count (default)
  status                 Print unread count, notifications and conversations
  send [flags] MESSAGE   Send a message (--to-role ROLE [--to ID] [--order ID])
  thread ORDER_ID        Print the message thread of an order
  login                  Cache the identity given by flags
  logout                 Forget the cached identity
  version                Print the version

Flags:
  --user ID              User id
  --name NAME            Display name
  --role ROLE            customer|vendor|admin|delivery
  --token TOKEN          Bearer token (or MARKETCHAT_TOKEN)
  --transport NAME       socketio|websocket
  --debug                Enable debug logging

Environment:
  MARKETCHAT_API_URL, MARKETCHAT_REALTIME_URL, MARKETCHAT_REALTIME_PATH,
  MARKETCHAT_TRANSPORT, MARKETCHAT_RECONNECT_*, MARKETCHAT_DIAL_TIMEOUT,
  MARKETCHAT_QUEUE_OFFLINE, MARKETCHAT_OUTBOX_LIMIT,
  MARKETCHAT_UNREAD_RECONCILE_INTERVAL, MARKETCHAT_NOTIFICATION_LIMIT,
  MARKETCHAT_HOME_DIR, MARKETCHAT_LOG_LEVEL, MARKETCHAT_DEBUG`)
}
