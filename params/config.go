package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/uhyunpark/wagerbook/pkg/app/core/admin"
)

type Node struct {
	DataDir  string
	APIAddr  string
	LogFile  string // empty logs to stdout only
	LogLevel string

	// AdminAddress is the single authority for admin and emergency actions.
	// Left empty, the node generates a throwaway key at startup (devnet only).
	AdminAddress string

	ChainID     int64
	CORSOrigins []string

	// Faucet enables the unsigned deposit endpoint. Off unless FAUCET=true;
	// only for local testing.
	Faucet bool
}

type Events struct {
	// Driver selects the outbox publisher: "sarama", "kafka-go" or "none"
	Driver        string
	Brokers       []string
	Topic         string
	FlushInterval time.Duration
}

type Config struct {
	Wager  admin.Params
	Node   Node
	Events Events
}

func Default() Config {
	return Config{
		Wager: admin.DefaultParams.Clone(),
		Node: Node{
			DataDir:     "data",
			APIAddr:     ":8080",
			LogLevel:    "info",
			ChainID:     1337,
			CORSOrigins: []string{"*"},
		},
		Events: Events{
			Driver:        "none",
			Brokers:       []string{"localhost:9092"},
			Topic:         "wagerbook.events",
			FlushInterval: 250 * time.Millisecond,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults. Unparseable values keep the default.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v, ok := envInt("TICK_SIZE"); ok {
		cfg.Wager.TickSize = v
	}
	if v, ok := envInt("TOLERANCE_PCT"); ok {
		cfg.Wager.TolerancePct = v
	}
	if v, ok := envInt("FEE_BPS"); ok {
		cfg.Wager.FeeBps = v
	}
	if tiers := os.Getenv("TIERS"); tiers != "" {
		if parsed, ok := parseInts(tiers); ok {
			cfg.Wager.Tiers = parsed
		}
	}
	if v, ok := envInt("MAX_MOVES"); ok {
		cfg.Wager.MaxMoves = int(v)
	}
	if v, ok := envInt("MAX_MOVE_BYTES"); ok {
		cfg.Wager.MaxMoveBytes = int(v)
	}

	cfg.Node.AdminAddress = getEnv("ADMIN_ADDRESS", cfg.Node.AdminAddress)
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if v, ok := envInt("CHAIN_ID"); ok {
		cfg.Node.ChainID = v
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Node.CORSOrigins = splitList(origins)
	}
	if faucet := os.Getenv("FAUCET"); faucet != "" {
		cfg.Node.Faucet = faucet == "true"
	}

	switch d := os.Getenv("EVENT_DRIVER"); d {
	case "sarama", "kafka-go", "none":
		cfg.Events.Driver = d
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Events.Brokers = splitList(brokers)
	}
	cfg.Events.Topic = getEnv("KAFKA_TOPIC", cfg.Events.Topic)
	if v, ok := envInt("EVENT_FLUSH_MS"); ok && v > 0 {
		cfg.Events.FlushInterval = time.Duration(v) * time.Millisecond
	}

	return cfg
}

func envInt(key string) (int64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseInts(raw string) ([]int64, bool) {
	parts := splitList(raw)
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, false
		}
		out = append(out, v)
	}
	return out, len(out) > 0
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
