package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// TransportSocketIO selects the Socket.IO realtime transport.
	TransportSocketIO = "socketio"
	// TransportWebSocket selects the plain WebSocket realtime transport.
	TransportWebSocket = "websocket"
)

// Config holds everything the client needs to talk to the marketplace API and
// its realtime server.
type Config struct {
	// APIURL is the base URL of the REST API, without a trailing slash.
	APIURL string
	// RealtimeURL is the realtime server URL. Defaults to the API origin.
	RealtimeURL string
	// RealtimePath is the handshake path on the realtime server.
	RealtimePath string
	// Transport selects the realtime transport (socketio|websocket).
	Transport string

	// Reconnect tunes automatic reconnection of the realtime connection.
	Reconnect ReconnectConfig
	// DialTimeout bounds a single connection handshake.
	DialTimeout time.Duration
	// QueueOffline keeps realtime sends made while disconnected and flushes
	// them on the next connect.
	QueueOffline bool
	// OutboxLimit caps the number of queued outbound messages.
	OutboxLimit int

	// UnreadReconcileInterval is how often the unread counter is re-fetched
	// from the server. Zero disables periodic reconciliation.
	UnreadReconcileInterval time.Duration
	// NotificationLimit is the page size used when fetching notifications.
	NotificationLimit int

	// Home is the directory where local state (session cache, keys) lives.
	Home string
	// Token is a bearer token supplied through the environment.
	Token string

	// LogLevel is the logger threshold (trace|debug|info|warn|error).
	LogLevel string
	// Debug enables verbose logging.
	Debug bool
}

// ReconnectConfig tunes the reconnection backoff.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       float64
	MaxAttempts  int
}

// Load loads configuration from a .env file (when present), the environment
// and defaults.
func Load() (*Config, error) {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	apiURL := strings.TrimRight(getenvFirst("MARKETCHAT_API_URL", "REACT_APP_API_URL"), "/")
	if apiURL == "" {
		apiURL = "http://localhost:5000/api"
	}
	parsed, err := url.Parse(apiURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid MARKETCHAT_API_URL %q", apiURL)
	}

	realtimeURL := strings.TrimRight(getenvFirst("MARKETCHAT_REALTIME_URL", "REACT_APP_SOCKET_URL"), "/")
	if realtimeURL == "" {
		realtimeURL = parsed.Scheme + "://" + parsed.Host
	}

	transport := strings.ToLower(getEnv("MARKETCHAT_TRANSPORT", TransportSocketIO))
	if transport != TransportSocketIO && transport != TransportWebSocket {
		return nil, fmt.Errorf("invalid MARKETCHAT_TRANSPORT %q (expected socketio or websocket)", transport)
	}
	defaultPath := "/socket.io/"
	if transport == TransportWebSocket {
		defaultPath = "/ws"
	}

	reconnect := ReconnectConfig{}
	if reconnect.Enabled, err = envBool("MARKETCHAT_RECONNECT", true); err != nil {
		return nil, err
	}
	if reconnect.InitialDelay, err = envDuration("MARKETCHAT_RECONNECT_DELAY", time.Second); err != nil {
		return nil, err
	}
	if reconnect.MaxDelay, err = envDuration("MARKETCHAT_RECONNECT_DELAY_MAX", 5*time.Second); err != nil {
		return nil, err
	}
	if reconnect.Factor, err = envFloat("MARKETCHAT_RECONNECT_FACTOR", 2); err != nil {
		return nil, err
	}
	if reconnect.Jitter, err = envFloat("MARKETCHAT_RECONNECT_JITTER", 0.5); err != nil {
		return nil, err
	}
	if reconnect.MaxAttempts, err = envInt("MARKETCHAT_RECONNECT_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if reconnect.InitialDelay <= 0 {
		return nil, fmt.Errorf("MARKETCHAT_RECONNECT_DELAY must be positive")
	}
	if reconnect.MaxDelay < reconnect.InitialDelay {
		return nil, fmt.Errorf("MARKETCHAT_RECONNECT_DELAY_MAX (%s) is below MARKETCHAT_RECONNECT_DELAY (%s)",
			reconnect.MaxDelay, reconnect.InitialDelay)
	}
	if reconnect.Factor < 1 {
		return nil, fmt.Errorf("MARKETCHAT_RECONNECT_FACTOR must be >= 1")
	}
	if reconnect.Jitter < 0 || reconnect.Jitter > 1 {
		return nil, fmt.Errorf("MARKETCHAT_RECONNECT_JITTER must be within [0, 1]")
	}

	cfg := &Config{
		APIURL:       apiURL,
		RealtimeURL:  realtimeURL,
		RealtimePath: getEnv("MARKETCHAT_REALTIME_PATH", defaultPath),
		Transport:    transport,
		Reconnect:    reconnect,
		Token:        os.Getenv("MARKETCHAT_TOKEN"),
		LogLevel:     getEnv("MARKETCHAT_LOG_LEVEL", "info"),
	}
	if cfg.DialTimeout, err = envDuration("MARKETCHAT_DIAL_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.QueueOffline, err = envBool("MARKETCHAT_QUEUE_OFFLINE", true); err != nil {
		return nil, err
	}
	if cfg.OutboxLimit, err = envInt("MARKETCHAT_OUTBOX_LIMIT", 100); err != nil {
		return nil, err
	}
	if cfg.UnreadReconcileInterval, err = envDuration("MARKETCHAT_UNREAD_RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.NotificationLimit, err = envInt("MARKETCHAT_NOTIFICATION_LIMIT", 20); err != nil {
		return nil, err
	}
	if cfg.Debug, err = envBool("MARKETCHAT_DEBUG", false); err != nil {
		return nil, err
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	cfg.Home = os.Getenv("MARKETCHAT_HOME_DIR")
	if cfg.Home == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.Home = filepath.Join(homeDir, ".marketchat")
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create marketchat home: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getenvFirst(primary, fallback string) string {
	if val := os.Getenv(primary); val != "" {
		return val
	}
	return os.Getenv(fallback)
}

func envBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return v, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// envDuration accepts Go durations ("1.5s") or bare integers as milliseconds.
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
