// Package conf loads Emberwatch settings from defaults, an optional YAML
// config file, dotenv files and environment variables.
package conf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/emberwatch/emberwatch/internal/logger"
)

// Settings is the complete runtime configuration.
type Settings struct {
	Debug bool `yaml:"debug"`

	Log          LogSettings          `yaml:"log"`
	Server       ServerSettings       `yaml:"server"`
	Storage      StorageSettings      `yaml:"storage"`
	Email        EmailSettings        `yaml:"email"`
	LLM          LLMSettings          `yaml:"llm"`
	Voice        VoiceSettings        `yaml:"voice"`
	Classifier   ClassifierSettings   `yaml:"classifier"`
	Escalation   EscalationSettings   `yaml:"escalation"`
	Ledger       LedgerSettings       `yaml:"ledger"`
	Conversation ConversationSettings `yaml:"conversation"`
	Publish      PublishSettings      `yaml:"publish"`
	Sentry       SentrySettings       `yaml:"sentry"`
}

type LogSettings struct {
	Level        string            `yaml:"level"`
	Timezone     string            `yaml:"timezone"`
	File         string            `yaml:"file"`
	FileLevel    string            `yaml:"filelevel"`
	ModuleLevels map[string]string `yaml:"modulelevels"`
}

// LoggerConfig converts the log section for logger.NewCentralLogger. Debug
// raises the console level to debug.
func (l *LogSettings) LoggerConfig(debug bool) *logger.Config {
	level := l.Level
	if debug {
		level = "debug"
	}
	return &logger.Config{
		Level:        level,
		Timezone:     l.Timezone,
		File:         l.File,
		FileLevel:    l.FileLevel,
		ModuleLevels: l.ModuleLevels,
	}
}

type ServerSettings struct {
	Listen      string        `yaml:"listen"`
	PublicURL   string        `yaml:"publicurl"` // externally reachable base URL, used in voice webhooks and local image links
	BodyLimit   string        `yaml:"bodylimit"` // echo body limit, e.g. "20M"
	CORSOrigins []string      `yaml:"corsorigins"`
	ReadTimeout time.Duration `yaml:"readtimeout"`
}

type StorageSettings struct {
	Backend  string           `yaml:"backend"` // local, supabase, sftp, ftp
	Bucket   string           `yaml:"bucket"`
	Local    LocalStorage     `yaml:"local"`
	Supabase SupabaseStorage  `yaml:"supabase"`
	SFTP     RemoteFileTarget `yaml:"sftp"`
	FTP      RemoteFileTarget `yaml:"ftp"`
}

type LocalStorage struct {
	Path string `yaml:"path"`
}

type SupabaseStorage struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// RemoteFileTarget configures an SFTP or FTP image store. PublicURL is the
// HTTP base under which uploaded files are served.
type RemoteFileTarget struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeyFile        string        `yaml:"keyfile"`
	KnownHostsFile string        `yaml:"knownhostsfile"`
	Path           string        `yaml:"path"`
	PublicURL      string        `yaml:"publicurl"`
	Timeout        time.Duration `yaml:"timeout"`
}

type EmailSettings struct {
	Provider string          `yaml:"provider"` // mailjet, smtp, none
	From     string          `yaml:"from"`
	FromName string          `yaml:"fromname"`
	Mailjet  MailjetSettings `yaml:"mailjet"`
	SMTP     SMTPSettings    `yaml:"smtp"`
	IMAP     IMAPSettings    `yaml:"imap"`
}

type MailjetSettings struct {
	APIKey    string `yaml:"apikey"`
	SecretKey string `yaml:"secretkey"`
	BaseURL   string `yaml:"baseurl"`
}

type SMTPSettings struct {
	URL string `yaml:"url"` // shoutrrr smtp:// URL
}

type IMAPSettings struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Mailbox      string        `yaml:"mailbox"`
	PollInterval time.Duration `yaml:"pollinterval"`
}

type LLMSettings struct {
	Provider  string `yaml:"provider"` // gemini, openai, anthropic, none
	APIKey    string `yaml:"apikey"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"baseurl"`
	MaxTokens int    `yaml:"maxtokens"`
}

type VoiceSettings struct {
	Enabled           bool   `yaml:"enabled"`
	AccountSID        string `yaml:"accountsid"`
	AuthToken         string `yaml:"authtoken"`
	From              string `yaml:"from"`
	EmergencyNumber   string `yaml:"emergencynumber"`
	ValidateSignature bool   `yaml:"validatesignature"`
}

type ClassifierSettings struct {
	Mode      string  `yaml:"mode"` // remote, stub
	Endpoint  string  `yaml:"endpoint"`
	APIKey    string  `yaml:"apikey"`
	Threshold float64 `yaml:"threshold"`
	StubRate  float64 `yaml:"stubrate"` // probability of a stub fire decision
}

type EscalationSettings struct {
	BucketSize    int64            `yaml:"bucketsize"`
	MaxInFlight   int64            `yaml:"maxinflight"`   // concurrent calls per external capability
	CallRateLimit int              `yaml:"callratelimit"` // outbound calls per subject per minute
	Timeouts      TimeoutSettings  `yaml:"timeouts"`
	Breaker       BreakerSettings  `yaml:"breaker"`
	EventQueue    EventQueueConfig `yaml:"eventqueue"`
}

type TimeoutSettings struct {
	Classify time.Duration `yaml:"classify"`
	Storage  time.Duration `yaml:"storage"`
	Email    time.Duration `yaml:"email"`
	Analysis time.Duration `yaml:"analysis"`
	Call     time.Duration `yaml:"call"`
	Chat     time.Duration `yaml:"chat"`
}

type BreakerSettings struct {
	MaxFailures int           `yaml:"maxfailures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

type EventQueueConfig struct {
	Size    int `yaml:"size"`
	Workers int `yaml:"workers"`
}

type LedgerSettings struct {
	Backend          string        `yaml:"backend"` // memory, sqlite, mysql
	DSN              string        `yaml:"dsn"`
	Retention        time.Duration `yaml:"retention"`
	ContactRetention time.Duration `yaml:"contactretention"`
	PurgeSchedule    string        `yaml:"purgeschedule"` // cron spec for the SQL purge job
}

type ConversationSettings struct {
	InactivityTimeout time.Duration `yaml:"inactivitytimeout"`
	MaxHistory        int           `yaml:"maxhistory"`
}

type PublishSettings struct {
	MQTT MQTTSettings `yaml:"mqtt"`
	NATS NATSSettings `yaml:"nats"`
}

type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"clientid"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Retain   bool   `yaml:"retain"`
}

type NATSSettings struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type SentrySettings struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// dotenvFiles are loaded in order. Variables already set, by the process
// environment or an earlier file, are never overridden.
var dotenvFiles = []string{".env.local", ".env"}

// NewViper returns a viper instance with defaults and environment bindings
// applied. Callers bind command line flags to it before calling Load.
func NewViper() (*viper.Viper, error) {
	if err := loadDotenv(dotenvFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/emberwatch")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.config/emberwatch")
	}

	setDefaultConfig(v)

	v.SetEnvPrefix("EMBERWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads the optional config file into v and decodes validated Settings.
// An explicit configFile must exist; the search path may come up empty.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	applyLLMKeyEnv(&settings.LLM)

	if err := resolveSecrets(settings); err != nil {
		return nil, fmt.Errorf("error resolving secrets: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

func loadDotenv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error loading %s: %w", f, err)
		}
	}
	return nil
}
