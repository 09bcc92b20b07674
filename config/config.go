package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	ServiceBus  ServiceBusConfig
	NewRelic    NewRelicConfig
	Elastic     ElasticConfig
	DocIntel    DocIntelConfig
	Onboarding  OnboardingConfig
	Maintenance MaintenanceConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port int
	Mode string // debug, release, test
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string // silent, error, warn, info
}

// RedisConfig holds the Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// ServiceBusConfig holds the Azure Service Bus configuration
type ServiceBusConfig struct {
	ConnectionString string
	QueueName        string
}

// NewRelicConfig holds the New Relic configuration
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// ElasticConfig holds the Elasticsearch configuration
type ElasticConfig struct {
	URL      string
	Username string
	Password string
	Prefix   string
	Index    string
}

// MaintenanceConfig holds the background sweep configuration
type MaintenanceConfig struct {
	OverdueSweepInterval  time.Duration
	StaleJobSweepInterval time.Duration
	StaleJobThreshold     time.Duration
}

// InitConfig initializes the configuration using Viper
func InitConfig(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/onboarding-service")
		viper.SetConfigName("config")
	}

	// ONBOARDING_DOCINTEL_BASEURL overrides docintel.baseurl
	viper.SetEnvPrefix("ONBOARDING")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("No config file found, using defaults and environment variables")
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8094)
	viper.SetDefault("server.mode", "debug")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "onboarding")
	viper.SetDefault("database.password", "onboarding")
	viper.SetDefault("database.dbname", "onboarding_service_db")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.loglevel", "warn")

	// Redis defaults
	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Service Bus defaults - no default connection string for security
	viper.SetDefault("servicebus.queuename", "device-onboarding-notifications")

	// New Relic defaults
	viper.SetDefault("newrelic.appname", "Onboarding Service Local")
	viper.SetDefault("newrelic.enabled", false)

	// Elasticsearch defaults - empty url disables indexing
	viper.SetDefault("elastic.url", "")
	viper.SetDefault("elastic.prefix", "backstage")
	viper.SetDefault("elastic.index", "device-onboarding")

	// Document intelligence defaults
	viper.SetDefault("docintel.baseurl", "http://localhost:8000")
	viper.SetDefault("docintel.apikey", "")
	viper.SetDefault("docintel.timeout", 5*time.Minute)
	viper.SetDefault("docintel.uploadtimeout", 5*time.Minute)
	viper.SetDefault("docintel.maxretries", 3)
	viper.SetDefault("docintel.retrywait", time.Second)
	viper.SetDefault("docintel.retrymaxwait", 10*time.Second)
	viper.SetDefault("docintel.maxfilesize", 50*1024*1024)

	// Onboarding pipeline defaults
	viper.SetDefault("onboarding.workers", 0)
	viper.SetDefault("onboarding.queuesize", 256)
	viper.SetDefault("onboarding.progressbuffer", 32)
	viper.SetDefault("onboarding.notifytimeout", 30*time.Second)
	viper.SetDefault("onboarding.jobttl", 24*time.Hour)

	// Background sweep defaults
	viper.SetDefault("maintenance.overduesweepinterval", 24*time.Hour)
	viper.SetDefault("maintenance.stalejobsweepinterval", 15*time.Minute)
	viper.SetDefault("maintenance.stalejobthreshold", time.Hour)
}

// Load loads the configuration
func Load() (*Config, error) {
	serverConfig := ServerConfig{
		Port: viper.GetInt("server.port"),
		Mode: viper.GetString("server.mode"),
	}

	dbConfig := DatabaseConfig{
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
		LogLevel: viper.GetString("database.loglevel"),
	}

	redisConfig := RedisConfig{
		Enabled:  viper.GetBool("redis.enabled"),
		Host:     viper.GetString("redis.host"),
		Port:     viper.GetInt("redis.port"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	}

	serviceBusConfig := ServiceBusConfig{
		ConnectionString: viper.GetString("servicebus.connectionstring"),
		QueueName:        viper.GetString("servicebus.queuename"),
	}

	newRelicConfig := NewRelicConfig{
		AppName:    viper.GetString("newrelic.appname"),
		LicenseKey: viper.GetString("newrelic.licensekey"),
		Enabled:    viper.GetBool("newrelic.enabled"),
	}

	elasticConfig := ElasticConfig{
		URL:      viper.GetString("elastic.url"),
		Username: viper.GetString("elastic.username"),
		Password: viper.GetString("elastic.password"),
		Prefix:   viper.GetString("elastic.prefix"),
		Index:    viper.GetString("elastic.index"),
	}

	docIntelConfig := DocIntelConfig{
		BaseURL:       viper.GetString("docintel.baseurl"),
		APIKey:        viper.GetString("docintel.apikey"),
		Timeout:       viper.GetDuration("docintel.timeout"),
		UploadTimeout: viper.GetDuration("docintel.uploadtimeout"),
		MaxRetries:    viper.GetInt("docintel.maxretries"),
		RetryWait:     viper.GetDuration("docintel.retrywait"),
		RetryMaxWait:  viper.GetDuration("docintel.retrymaxwait"),
		MaxFileSize:   viper.GetInt64("docintel.maxfilesize"),
	}
	if docIntelConfig.BaseURL == "" {
		return nil, fmt.Errorf("docintel.baseurl is required")
	}

	onboardingConfig := OnboardingConfig{
		Workers:        viper.GetInt("onboarding.workers"),
		QueueSize:      viper.GetInt("onboarding.queuesize"),
		ProgressBuffer: viper.GetInt("onboarding.progressbuffer"),
		NotifyTimeout:  viper.GetDuration("onboarding.notifytimeout"),
		JobTTL:         viper.GetDuration("onboarding.jobttl"),
	}

	maintenanceConfig := MaintenanceConfig{
		OverdueSweepInterval:  viper.GetDuration("maintenance.overduesweepinterval"),
		StaleJobSweepInterval: viper.GetDuration("maintenance.stalejobsweepinterval"),
		StaleJobThreshold:     viper.GetDuration("maintenance.stalejobthreshold"),
	}

	return &Config{
		Server:      serverConfig,
		Database:    dbConfig,
		Redis:       redisConfig,
		ServiceBus:  serviceBusConfig,
		NewRelic:    newRelicConfig,
		Elastic:     elasticConfig,
		DocIntel:    docIntelConfig,
		Onboarding:  onboardingConfig,
		Maintenance: maintenanceConfig,
	}, nil
}

// FormatIndex formats an Elasticsearch index name with the configured prefix
func FormatIndex(cfg ElasticConfig, index string) string {
	if cfg.Prefix == "" {
		return index
	}
	return cfg.Prefix + "-" + index
}
