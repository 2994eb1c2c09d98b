package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, falling back to system environment variables")
	}
}

// Config covers both processes; the master ignores the minion-only fields and
// vice versa. Minion tokens are looked up per worker id via MinionToken.
type Config struct {
	MasterToken string `env:"MASTER_BOT_TOKEN"`
	GuildID     string `env:"GUILD_ID"`

	MediaServiceURL string `env:"MEDIA_SERVICE_URL" envDefault:"http://localhost:3001"`
	LibraryRoot     string `env:"LIBRARY_ROOT" envDefault:"/mnt/audiobooks"`

	PositionPath  string        `env:"POSITION_PATH" envDefault:"userPosition.json"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"60s"`

	WorkerCount int    `env:"WORKER_COUNT" envDefault:"4"`
	MinionBin   string `env:"MINION_BIN" envDefault:"./minion"`
	ControlAddr string `env:"CONTROL_ADDR" envDefault:"127.0.0.1:8765"`

	ImageHostAddr string `env:"IMAGE_HOST_ADDR" envDefault:":8080"`
	ImageBaseURL  string `env:"IMAGE_BASE_URL" envDefault:"http://localhost:8080"`
	ImageDir      string `env:"IMAGE_DIR" envDefault:"images"`
	TempDir       string `env:"TEMP_DIR" envDefault:"temp"`

	LogDir   string `env:"LOG_DIR" envDefault:"logs"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// New parses the environment into a Config. Only the master requires its bot
// token; minions validate their own token at startup via MinionToken.
func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// MustNewMaster is New plus the master-token check, fatal on error.
func MustNewMaster() *Config {
	cfg, err := New()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.MasterToken == "" {
		log.Fatal("MASTER_BOT_TOKEN is not set")
	}
	return cfg
}

// MinionToken returns the Discord token for a worker id, e.g. worker 0 reads
// MINION_BOT_0_TOKEN.
func MinionToken(workerID string) string {
	return os.Getenv("MINION_BOT_" + strings.ToUpper(workerID) + "_TOKEN")
}
