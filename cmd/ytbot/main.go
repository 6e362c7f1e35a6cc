package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/ytbot-dev/ytbot/internal/app"
	"github.com/ytbot-dev/ytbot/internal/downloader"
	"github.com/ytbot-dev/ytbot/internal/messaging"
	"github.com/ytbot-dev/ytbot/internal/nextcloud"
	"github.com/ytbot-dev/ytbot/internal/session"
	"github.com/ytbot-dev/ytbot/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for YTBot state data
	DefaultStateDir = "/var/lib/ytbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "ytbot.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Build application options
	opts := buildAppOptions(config, flags)

	slog.Info("Bootstrapping YTBot with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "admin_chat_set", config.AdminChatID != 0)
	if err := app.Run(opts...); err != nil {
		slog.Error("YTBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("YTBot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DownloadDir       string
	DatabaseURL       string
	TelegramToken     string
	AdminChatID       int64
	NextcloudURL      string
	NextcloudUser     string
	NextcloudPassword string
	NextcloudBaseDir  string
	YtdlpPath         string
	YtdlpMinVersion   string
	MaintenanceCron   string
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	downloadDir     *string
	dbDSN           *string
	telegramToken   *string
	nextcloudURL    *string
	ytdlpPath       *string
	maintenanceCron *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("YTBOT_STATE_DIR"),
		DownloadDir:       os.Getenv("YTBOT_DOWNLOAD_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		TelegramToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		NextcloudURL:      os.Getenv("NEXTCLOUD_URL"),
		NextcloudUser:     os.Getenv("NEXTCLOUD_USERNAME"),
		NextcloudPassword: os.Getenv("NEXTCLOUD_PASSWORD"),
		NextcloudBaseDir:  os.Getenv("NEXTCLOUD_BASE_DIR"),
		YtdlpPath:         os.Getenv("YTDLP_PATH"),
		YtdlpMinVersion:   os.Getenv("YTDLP_MIN_VERSION"),
		MaintenanceCron:   os.Getenv("MAINTENANCE_SCHEDULE"),
	}

	if raw := os.Getenv("TELEGRAM_ADMIN_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			slog.Warn("Invalid TELEGRAM_ADMIN_CHAT_ID, admin notices disabled", "value", raw, "error", err)
		} else {
			config.AdminChatID = id
		}
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No YTBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("YTBOT_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	if config.YtdlpPath == "" {
		config.YtdlpPath = downloader.DefaultBinPath
	}
	if config.YtdlpMinVersion == "" {
		config.YtdlpMinVersion = downloader.DefaultMinVersion
	}

	slog.Debug("environment variables loaded",
		"YTBOT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"TELEGRAM_BOT_TOKEN_SET", config.TelegramToken != "",
		"TELEGRAM_ADMIN_CHAT_ID_SET", config.AdminChatID != 0,
		"NEXTCLOUD_URL", config.NextcloudURL,
		"NEXTCLOUD_USERNAME_SET", config.NextcloudUser != "",
		"YTDLP_PATH", config.YtdlpPath,
		"MAINTENANCE_SCHEDULE", config.MaintenanceCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for YTBot data (overrides $YTBOT_STATE_DIR)"),
		downloadDir:     flag.String("download-dir", config.DownloadDir, "working directory for in-flight downloads (overrides $YTBOT_DOWNLOAD_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN for delivery history (overrides $DATABASE_URL)"),
		telegramToken:   flag.String("telegram-token", config.TelegramToken, "Telegram bot token (overrides $TELEGRAM_BOT_TOKEN)"),
		nextcloudURL:    flag.String("nextcloud-url", config.NextcloudURL, "Nextcloud WebDAV endpoint (overrides $NEXTCLOUD_URL)"),
		ytdlpPath:       flag.String("ytdlp-path", config.YtdlpPath, "yt-dlp executable path (overrides $YTDLP_PATH)"),
		maintenanceCron: flag.String("maintenance-cron", config.MaintenanceCron, "cron schedule for queue maintenance (overrides $MAINTENANCE_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"downloadDir", *flags.downloadDir,
		"dbDSN_set", *flags.dbDSN != "",
		"telegramToken_set", *flags.telegramToken != "",
		"nextcloudURL", *flags.nextcloudURL,
		"ytdlpPath", *flags.ytdlpPath,
		"maintenanceCron", *flags.maintenanceCron)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// buildAppOptions constructs application configuration options
func buildAppOptions(config Config, flags Flags) []app.Option {
	opts := []app.Option{
		app.WithStateDir(*flags.stateDir),
		app.WithDatabaseDSN(*flags.dbDSN),
		app.WithTelegram(*flags.telegramToken, config.AdminChatID),
		app.WithNextcloud(*flags.nextcloudURL, config.NextcloudUser, config.NextcloudPassword, config.NextcloudBaseDir),
		app.WithYtdlp(*flags.ytdlpPath, config.YtdlpMinVersion),
		app.WithProbeInterval(util.ParseDurationEnv("YTBOT_PROBE_INTERVAL", app.DefaultProbeInterval)),
		app.WithSessionIdleTimeout(util.ParseDurationEnv("YTBOT_SESSION_IDLE_TIMEOUT", session.DefaultIdleTimeout)),
		app.WithDownloadTimeout(util.ParseDurationEnv("YTBOT_DOWNLOAD_TIMEOUT", messaging.DefaultDownloadTimeout)),
		app.WithNextcloudMaxAttempts(util.ParseIntEnv("NEXTCLOUD_MAX_ATTEMPTS", nextcloud.DefaultMaxAttempts)),
		app.WithSessionPersistence(util.ParseBoolEnv("YTBOT_PERSIST_SESSIONS", true)),
	}
	if *flags.downloadDir != "" {
		opts = append(opts, app.WithDownloadDir(*flags.downloadDir))
	}
	if *flags.maintenanceCron != "" {
		opts = append(opts, app.WithMaintenanceCron(*flags.maintenanceCron))
	}
	return opts
}
