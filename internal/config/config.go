package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode         string
	Backend      string
	DatabasePath string
	DeviceStore  string
	MediaPath    string
	GRPCAddress  string
	MCPAddress   string
	LogLevel     string

	WalletKeyPath string
	ChainID       uint64
	DemoPeers     []string

	STUNServers           []string
	StaleOfferWindow      time.Duration
	BroadcastRetryDelay   time.Duration
	MemberRefreshInterval time.Duration
}

// fileConfig is the optional YAML file. Its values replace the built-in
// defaults; environment variables and flags still win.
type fileConfig struct {
	Mode                  string        `yaml:"mode"`
	Backend               string        `yaml:"backend"`
	Database              string        `yaml:"database"`
	DeviceStore           string        `yaml:"device_store"`
	Media                 string        `yaml:"media"`
	GRPCAddress           string        `yaml:"grpc_address"`
	MCPAddress            string        `yaml:"mcp_address"`
	LogLevel              string        `yaml:"log_level"`
	WalletKey             string        `yaml:"wallet_key"`
	ChainID               uint64        `yaml:"chain_id"`
	DemoPeers             []string      `yaml:"demo_peers"`
	STUNServers           []string      `yaml:"stun_servers"`
	StaleOfferWindow      time.Duration `yaml:"stale_offer_window"`
	BroadcastRetryDelay   time.Duration `yaml:"broadcast_retry_delay"`
	MemberRefreshInterval time.Duration `yaml:"member_refresh_interval"`
}

func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs resolves the configuration from args, MSG_* environment variables,
// an optional YAML file and built-in defaults, in that order of precedence.
func LoadArgs(args []string) (*Config, error) {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".web3-messenger")

	file := fileConfig{
		Mode:                  "server",
		Backend:               "memory",
		Database:              filepath.Join(dataDir, "messenger.db"),
		Media:                 filepath.Join(dataDir, "media"),
		GRPCAddress:           "127.0.0.1:50051",
		MCPAddress:            "127.0.0.1:8080",
		LogLevel:              "info",
		WalletKey:             filepath.Join(dataDir, "wallet.key"),
		ChainID:               1,
		STUNServers:           []string{"stun:stun.l.google.com:19302"},
		StaleOfferWindow:      5 * time.Minute,
		BroadcastRetryDelay:   2 * time.Second,
		MemberRefreshInterval: 10 * time.Second,
	}

	if path := configPath(args); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if file.DeviceStore == "" {
		file.DeviceStore = strings.TrimSuffix(file.Database, filepath.Ext(file.Database)) + "_wa.db"
	}

	cfg := &Config{}
	var configFile, demoPeers, stunServers string
	var chainID string

	fs := flag.NewFlagSet("messenger", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", getEnv("MSG_CONFIG", ""), "YAML config file")
	fs.StringVar(&cfg.Mode, "mode", getEnv("MSG_MODE", file.Mode), "Run mode: server, interactive, or headless")
	fs.StringVar(&cfg.Backend, "backend", getEnv("MSG_BACKEND", file.Backend), "Messaging backend: memory or whatsapp")
	fs.StringVar(&cfg.DatabasePath, "db", getEnv("MSG_DATABASE_PATH", file.Database), "Database file path")
	fs.StringVar(&cfg.DeviceStore, "device-store", getEnv("MSG_DEVICE_STORE", file.DeviceStore), "whatsmeow device store path")
	fs.StringVar(&cfg.MediaPath, "media", getEnv("MSG_MEDIA_PATH", file.Media), "Attachment download path")
	fs.StringVar(&cfg.GRPCAddress, "grpc-address", getEnv("MSG_GRPC_ADDRESS", file.GRPCAddress), "gRPC server address")
	fs.StringVar(&cfg.MCPAddress, "mcp-address", getEnv("MSG_MCP_ADDRESS", file.MCPAddress), "MCP SSE server address")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("MSG_LOG_LEVEL", file.LogLevel), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.WalletKeyPath, "wallet-key", getEnv("MSG_WALLET_KEY", file.WalletKey), "Wallet private key file, created if missing")
	fs.StringVar(&chainID, "chain-id", getEnv("MSG_CHAIN_ID", strconv.FormatUint(file.ChainID, 10)), "Wallet chain id")
	fs.StringVar(&demoPeers, "demo-peers", getEnv("MSG_DEMO_PEERS", strings.Join(file.DemoPeers, ",")), "Comma-separated echo peers for the memory backend")
	fs.StringVar(&stunServers, "stun", getEnv("MSG_STUN_SERVERS", strings.Join(file.STUNServers, ",")), "Comma-separated STUN server URLs")
	fs.DurationVar(&cfg.StaleOfferWindow, "stale-offer-window", getEnvDuration("MSG_STALE_OFFER_WINDOW", file.StaleOfferWindow), "Ignore call offers older than this")
	fs.DurationVar(&cfg.BroadcastRetryDelay, "broadcast-retry-delay", getEnvDuration("MSG_BROADCAST_RETRY_DELAY", file.BroadcastRetryDelay), "Delay before re-offering a broken broadcast link")
	fs.DurationVar(&cfg.MemberRefreshInterval, "member-refresh", getEnvDuration("MSG_MEMBER_REFRESH", file.MemberRefreshInterval), "Broadcast member refresh interval")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	id, err := strconv.ParseUint(chainID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chain id %q: %w", chainID, err)
	}
	cfg.ChainID = id
	cfg.DemoPeers = splitList(demoPeers)
	cfg.STUNServers = splitList(stunServers)

	switch cfg.Mode {
	case "server", "interactive", "headless":
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	switch cfg.Backend {
	case "memory", "whatsapp":
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	// Ensure directories exist
	os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755)
	os.MkdirAll(filepath.Dir(cfg.WalletKeyPath), 0700)
	os.MkdirAll(cfg.MediaPath, 0755)

	return cfg, nil
}

// configPath finds -config in args before the full parse, since the file
// supplies the defaults of every other flag.
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "config" || !strings.HasPrefix(arg, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("MSG_CONFIG")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
