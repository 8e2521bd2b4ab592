package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/api"
	"github.com/BTreeMap/ShoraBot/internal/campaign"
	"github.com/BTreeMap/ShoraBot/internal/dispatch"
	"github.com/BTreeMap/ShoraBot/internal/genai"
	"github.com/BTreeMap/ShoraBot/internal/scheduler"
	"github.com/BTreeMap/ShoraBot/internal/store"
	"github.com/BTreeMap/ShoraBot/internal/util"
	"github.com/BTreeMap/ShoraBot/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ShoraBot state data
	DefaultStateDir = "/var/lib/shora"
	// DefaultAppDBFileName is the default SQLite database for users, incidents and broadcasts
	DefaultAppDBFileName = "shora.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultInactiveDays and DefaultCleanupDays feed the campaign runner
	DefaultInactiveDays = 7
	DefaultCleanupDays  = 30
)

func main() {
	initializeLogger(util.ParseBoolEnv("SHORA_DEBUG", false))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config, os.Args[1:])
	if *flags.debug {
		initializeLogger(true)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(config, flags)
	apiOpts := buildAPIOptions(config, flags)

	slog.Info("Bootstrapping ShoraBot", "channel", *flags.channel, "state_dir", *flags.stateDir)
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	if err := api.Run(waOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("ShoraBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ShoraBot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	Channel          string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	OpenAIKey        string
	ChatModel        string
	SpeechModel      string
	AdvisorEnabled   bool
	GenAIDebug       bool
	APIAddr          string
	Timezone         string
	Schedules        api.Schedules
	InactiveDays     int
	CleanupDays      int
	TextDelay        time.Duration
	AudioDelay       time.Duration
	SendTimeout      time.Duration
	TTSTimeout       time.Duration
	Workers          int
	BulkWorkers      int
	GlobalRate       float64
	ConfirmPresence  bool
	Notify           api.NotifyConfig
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	debug         *bool
	stateDir      *string
	whatsappDBDSN *string
	appDBDSN      *string
	channel       *string
	openaiKey     *string
	apiAddr       *string
}

// initializeLogger installs the default structured logger.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// envOr returns $key, or def when unset. A variable set to the empty
// string is honoured so schedules can be disabled.
func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("SHORA_STATE_DIR"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: os.Getenv("DATABASE_URL"),
		Channel:          envOr("SHORA_CHANNEL", api.ChannelWhatsApp),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		ChatModel:        os.Getenv("OPENAI_CHAT_MODEL"),
		SpeechModel:      os.Getenv("OPENAI_TTS_MODEL"),
		AdvisorEnabled:   util.ParseBoolEnv("SHORA_ADVISOR_ENABLED", false),
		GenAIDebug:       util.ParseBoolEnv("SHORA_GENAI_DEBUG", false),
		APIAddr:          envOr("API_ADDR", api.DefaultAddr),
		Timezone:         envOr("SHORA_TIMEZONE", scheduler.DefaultTimezone),
		Schedules: api.Schedules{
			DailyTip:  envOr("SHORA_DAILY_TIP_CRON", api.DefaultSchedules.DailyTip),
			Reengage:  envOr("SHORA_REENGAGE_CRON", api.DefaultSchedules.Reengage),
			Cleanup:   envOr("SHORA_CLEANUP_CRON", api.DefaultSchedules.Cleanup),
			Broadcast: envOr("SHORA_BROADCAST_CRON", api.DefaultSchedules.Broadcast),
			Reminder:  envOr("SHORA_REMINDER_CRON", api.DefaultSchedules.Reminder),
		},
		InactiveDays:    util.ParseIntEnv("INACTIVE_DAYS_THRESHOLD", DefaultInactiveDays),
		CleanupDays:     util.ParseIntEnv("SHORA_CLEANUP_DAYS", DefaultCleanupDays),
		TextDelay:       util.ParseDurationEnv("SHORA_TEXT_DELAY", dispatch.DefaultTextDelay),
		AudioDelay:      util.ParseDurationEnv("SHORA_AUDIO_DELAY", dispatch.DefaultAudioDelay),
		SendTimeout:     util.ParseDurationEnv("SHORA_SEND_TIMEOUT", dispatch.DefaultSendTimeout),
		TTSTimeout:      util.ParseDurationEnv("SHORA_TTS_TIMEOUT", dispatch.DefaultTTSTimeout),
		Workers:         util.ParseIntEnv("SHORA_DISPATCH_WORKERS", dispatch.DefaultWorkers),
		BulkWorkers:     util.ParseIntEnv("SHORA_BULK_WORKERS", dispatch.DefaultBulkWorkers),
		GlobalRate:      util.ParseFloatEnv("SHORA_GLOBAL_RATE", dispatch.DefaultGlobalRate),
		ConfirmPresence: util.ParseBoolEnv("SHORA_CONFIRM_PRESENCE", true),
		Notify: api.NotifyConfig{
			WebhookURL:       os.Getenv("DASHBOARD_WEBHOOK_URL"),
			SupervisorPhones: util.ParseListEnv("SUPERVISOR_PHONES"),
			AMQPURL:          os.Getenv("AMQP_URL"),
			AMQPExchange:     os.Getenv("AMQP_EXCHANGE"),
			SMTPHost:         os.Getenv("SMTP_HOST"),
			SMTPPort:         util.ParseIntEnv("SMTP_PORT", 587),
			SMTPUser:         os.Getenv("SMTP_USER"),
			SMTPPassword:     os.Getenv("SMTP_PASSWORD"),
			SMTPFrom:         os.Getenv("SMTP_FROM"),
			SupervisorEmails: util.ParseListEnv("SUPERVISOR_EMAILS"),
		},
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SHORA_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		slog.Debug("No WHATSAPP_DB_DSN set, defaulting to SQLite", "dsn", config.WhatsAppDBDSN)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No DATABASE_URL set, defaulting to SQLite", "path", config.ApplicationDBDSN)
	}

	slog.Debug("environment variables loaded",
		"SHORA_STATE_DIR", config.StateDir,
		"SHORA_CHANNEL", config.Channel,
		"DATABASE_URL_type", store.DetectDSNType(config.ApplicationDBDSN),
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"SHORA_TIMEZONE", config.Timezone,
		"API_ADDR", config.APIAddr,
		"supervisor_phones", len(config.Notify.SupervisorPhones),
		"webhook_set", config.Notify.WebhookURL != "")

	return config
}

// parseCommandLineFlags parses args with environment defaults.
func parseCommandLineFlags(config Config, args []string) Flags {
	fs := flag.NewFlagSet("ShoraBot", flag.ExitOnError)
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		debug:         fs.Bool("debug", false, "enable debug logging (overrides $SHORA_DEBUG)"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for ShoraBot data (overrides $SHORA_STATE_DIR)"),
		whatsappDBDSN: fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp session database DSN (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      fs.String("db-dsn", config.ApplicationDBDSN, "application database: SQLite path or Postgres DSN (overrides $DATABASE_URL)"),
		channel:       fs.String("channel", config.Channel, "chat channel: whatsapp or twilio (overrides $SHORA_CHANNEL)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "HTTP listen address (overrides $API_ADDR)"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	// Databases that defaulted into the state directory follow --state-dir.
	if *flags.stateDir != config.StateDir {
		if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		if *flags.appDBDSN == defaultAppDSN(config.StateDir) {
			*flags.appDBDSN = defaultAppDSN(*flags.stateDir)
		}
		slog.Debug("Database paths follow state directory", "state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"channel", *flags.channel,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)
	return flags
}

// sqlitePath returns the filesystem path of a SQLite DSN, or "" for Postgres.
func sqlitePath(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// ensureDirectoriesExist creates the state directory and the parents of any
// file-based database.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	for _, dsn := range []*string{flags.whatsappDBDSN, flags.appDBDSN} {
		if dsn == nil {
			continue
		}
		if path := sqlitePath(*dsn); path != "" && path != ":memory:" {
			dirs = append(dirs, filepath.Dir(path))
		}
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	dsn := *flags.appDBDSN
	switch {
	case dsn == "":
		slog.Debug("No database DSN provided, will use in-memory store")
	case store.DetectDSNType(dsn) == "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		storeOpts = append(storeOpts, store.WithPostgresDSN(dsn))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(dsn))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.ChatModel != "" {
		genaiOpts = append(genaiOpts, genai.WithChatModel(config.ChatModel))
	}
	if config.SpeechModel != "" {
		genaiOpts = append(genaiOpts, genai.WithSpeechModel(config.SpeechModel))
	}
	if config.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithChannel(*flags.channel),
		api.WithStateDir(*flags.stateDir),
		api.WithTimezone(config.Timezone),
		api.WithSchedules(config.Schedules),
		api.WithNotifyConfig(config.Notify),
		api.WithAdvisor(config.AdvisorEnabled),
		api.WithConfirmPresence(config.ConfirmPresence),
		api.WithDispatchOptions(
			dispatch.WithWorkers(config.Workers),
			dispatch.WithBulkWorkers(config.BulkWorkers),
			dispatch.WithGlobalRate(config.GlobalRate),
			dispatch.WithDelays(config.TextDelay, config.AudioDelay),
			dispatch.WithSendTimeout(config.SendTimeout),
			dispatch.WithTTSTimeout(config.TTSTimeout),
		),
		api.WithCampaignOptions(
			campaign.WithDelays(config.TextDelay, config.AudioDelay),
			campaign.WithInactiveAfter(days(config.InactiveDays)),
			campaign.WithCleanupAfter(days(config.CleanupDays)),
		),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.channel == api.ChannelTwilio {
		apiOpts = append(apiOpts, api.WithTwilioCredentials(config.TwilioSID, config.TwilioToken, config.TwilioFrom))
	}
	return apiOpts
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
