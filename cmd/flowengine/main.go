package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/hanna-crm/flowengine/internal/api"
	"github.com/hanna-crm/flowengine/internal/lockfile"
	"github.com/hanna-crm/flowengine/internal/store"
	"github.com/hanna-crm/flowengine/internal/util"
	"github.com/hanna-crm/flowengine/internal/whatsapp"
)

// Default configuration constants.
const (
	// DefaultStateDir is the default directory for flow engine state data.
	DefaultStateDir = "/var/lib/flowengine"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "flowengine.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One instance per state directory; two runners polling the same SQLite
	// queue would double-claim continuations.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	storeOpts := buildStoreOptions(flags)
	waOpts := buildWhatsAppOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping flow engine")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "provider", *flags.provider)
	if err := api.Run(storeOpts, waOpts, apiOpts); err != nil {
		slog.Error("Flow engine failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Flow engine exited successfully")
}

// Config holds environment configuration.
type Config struct {
	StateDir    string
	DatabaseURL string
	WhatsAppDSN string
	APIAddr     string
	VerifyToken string
	Provider    string
	FlowID      string
	FlowsDir    string
}

// Flags holds command line flag values.
type Flags struct {
	stateDir    *string
	dbDSN       *string
	waDSN       *string
	apiAddr     *string
	verifyToken *string
	provider    *string
	flowID      *string
	flowsDir    *string
	qrOutput    *string
	numeric     *bool
}

// initializeLogger sets up structured logging. FLOWENGINE_DEBUG=true lowers
// the level to debug.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("FLOWENGINE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and a
// .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("FLOWENGINE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:     os.Getenv("API_ADDR"),
		VerifyToken: os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		Provider:    os.Getenv("MESSAGING_PROVIDER"),
		FlowID:      os.Getenv("FLOW_ID"),
		FlowsDir:    os.Getenv("FLOWS_DIR"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWENGINE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		slog.Debug("No WHATSAPP_DB_DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"FLOWENGINE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"API_ADDR", config.APIAddr,
		"WEBHOOK_VERIFY_TOKEN_SET", config.VerifyToken != "",
		"MESSAGING_PROVIDER", config.Provider,
		"FLOW_ID", config.FlowID,
		"FLOWS_DIR", config.FlowsDir)

	return config
}

// parseCommandLineFlags parses command line arguments with environment
// defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for flow engine data (overrides $FLOWENGINE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the flow engine store (overrides $DATABASE_URL)"),
		waDSN:       flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		verifyToken: flag.String("verify-token", config.VerifyToken, "webhook verification token (overrides $WEBHOOK_VERIFY_TOKEN)"),
		provider:    flag.String("provider", config.Provider, "messaging provider: whatsmeow, twilio or noop (overrides $MESSAGING_PROVIDER)"),
		flowID:      flag.String("flow-id", config.FlowID, "flow to enroll new contacts in (overrides $FLOW_ID)"),
		flowsDir:    flag.String("flows-dir", config.FlowsDir, "directory of additional flow definition JSON files (overrides $FLOWS_DIR)"),
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"waDSN_set", *flags.waDSN != "",
		"apiAddr", *flags.apiAddr,
		"verifyToken_set", *flags.verifyToken != "",
		"provider", *flags.provider,
		"flowID", *flags.flowID,
		"flowsDir", *flags.flowsDir,
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric)

	// Keep the default DSNs inside a state directory overridden on the
	// command line.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
			slog.Debug("Updated db DSN for overridden state directory", "db_dsn", *flags.dbDSN)
		}
		if *flags.waDSN == filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) {
			*flags.waDSN = filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName)
			slog.Debug("Updated WhatsApp DSN for overridden state directory", "wa_dsn", *flags.waDSN)
		}
	}

	return flags
}

// ensureDirectoriesExist creates the directories file-based storage needs.
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return err
	}
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options.
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildWhatsAppOptions constructs WhatsApp client configuration options.
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options.
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.verifyToken != "" {
		apiOpts = append(apiOpts, api.WithVerifyToken(*flags.verifyToken))
	}
	if *flags.provider != "" {
		apiOpts = append(apiOpts, api.WithProvider(*flags.provider))
	}
	if *flags.flowID != "" {
		apiOpts = append(apiOpts, api.WithFlowID(*flags.flowID))
	}
	if *flags.flowsDir != "" {
		apiOpts = append(apiOpts, api.WithFlowsDir(*flags.flowsDir))
	}
	return apiOpts
}
