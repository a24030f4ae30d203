/*
Copyright 2024 FleetSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5002"

	StoreDriverRedis  = "redis"
	StoreDriverSQLite = "sqlite"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Port      string `json:"port" envconfig:"FLEETSYNC_SERVER_PORT"`
	Secure    bool   `json:"secure" envconfig:"FLEETSYNC_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"FLEETSYNC_SERVER_SECRET_KEY"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"FLEETSYNC_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"FLEETSYNC_REDIS_SKIP_TLS_VERIFY"`
}

type StoreConfig struct {
	Driver     string `json:"driver" envconfig:"FLEETSYNC_STORE_DRIVER"`
	SqlitePath string `json:"sqlite_path" envconfig:"FLEETSYNC_STORE_SQLITE_PATH"`
}

type RemoteConfig struct {
	BaseURL        string            `json:"base_url" envconfig:"FLEETSYNC_REMOTE_BASE_URL"`
	TimeoutSeconds int               `json:"timeout_seconds" envconfig:"FLEETSYNC_REMOTE_TIMEOUT_SECONDS"`
	Headers        map[string]string `json:"headers"`
}

type SyncConfig struct {
	MaxAttempts      int    `json:"max_attempts" envconfig:"FLEETSYNC_SYNC_MAX_ATTEMPTS"`
	BaseDelaySeconds int    `json:"base_delay_seconds" envconfig:"FLEETSYNC_SYNC_BASE_DELAY_SECONDS"`
	MaxDelaySeconds  int    `json:"max_delay_seconds" envconfig:"FLEETSYNC_SYNC_MAX_DELAY_SECONDS"`
	NumberOfQueues   int    `json:"number_of_queues" envconfig:"FLEETSYNC_SYNC_NUMBER_OF_QUEUES"`
	SyncQueue        string `json:"sync_queue" envconfig:"FLEETSYNC_SYNC_QUEUE"`
	AlertQueue       string `json:"alert_queue" envconfig:"FLEETSYNC_ALERT_QUEUE"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"FLEETSYNC_SYNC_MONITORING_PORT"`
	RetentionHours   int    `json:"retention_hours" envconfig:"FLEETSYNC_SYNC_RETENTION_HOURS"`
}

type ReconciliationConfig struct {
	IntervalMinutes int      `json:"interval_minutes" envconfig:"FLEETSYNC_RECONCILIATION_INTERVAL_MINUTES"`
	EntityTypes     []string `json:"entity_types" envconfig:"FLEETSYNC_RECONCILIATION_ENTITY_TYPES"`
}

type AlertingConfig struct {
	CriticalFailedThreshold int     `json:"critical_failed_threshold" envconfig:"FLEETSYNC_ALERT_CRITICAL_FAILED_THRESHOLD"`
	FailureRateThreshold    float64 `json:"failure_rate_threshold" envconfig:"FLEETSYNC_ALERT_FAILURE_RATE_THRESHOLD"`
	FailureCountThreshold   int     `json:"failure_count_threshold" envconfig:"FLEETSYNC_ALERT_FAILURE_COUNT_THRESHOLD"`
	StalenessHours          int     `json:"staleness_hours" envconfig:"FLEETSYNC_ALERT_STALENESS_HOURS"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"FLEETSYNC_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"FLEETSYNC_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"FLEETSYNC_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName    string               `json:"project_name" envconfig:"FLEETSYNC_PROJECT_NAME"`
	Server         ServerConfig         `json:"server"`
	Redis          RedisConfig          `json:"redis"`
	Store          StoreConfig          `json:"store"`
	Remote         RemoteConfig         `json:"remote"`
	Sync           SyncConfig           `json:"sync"`
	Reconciliation ReconciliationConfig `json:"reconciliation"`
	Alerting       AlertingConfig       `json:"alerting"`
	RateLimit      RateLimitConfig      `json:"rate_limit"`
	Notification   Notification         `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("fleetsync", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called fleetsync.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "FleetSync"
	}

	if cnf.Store.Driver == "" {
		cnf.Store.Driver = StoreDriverRedis
	}
	if cnf.Store.Driver != StoreDriverRedis && cnf.Store.Driver != StoreDriverSQLite {
		return errors.New("store driver must be one of: redis, sqlite")
	}
	if cnf.Store.Driver == StoreDriverRedis && cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field for the redis store driver.")
		return errors.New("redis DNS is required")
	}
	if cnf.Store.Driver == StoreDriverSQLite && cnf.Store.SqlitePath == "" {
		cnf.Store.SqlitePath = "fleetsync.db"
	}

	if cnf.Server.Secure && cnf.Server.SecretKey == "" {
		return errors.New("secret key is required when secure mode is enabled")
	}

	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := int(*cnf.RateLimit.RequestsPerSecond * 2)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Remote.BaseURL = strings.TrimSpace(cnf.Remote.BaseURL)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Remote.TimeoutSeconds <= 0 {
		cnf.Remote.TimeoutSeconds = 30
	}

	if cnf.Sync.MaxAttempts <= 0 {
		cnf.Sync.MaxAttempts = 5
	}
	if cnf.Sync.BaseDelaySeconds <= 0 {
		cnf.Sync.BaseDelaySeconds = 2
	}
	if cnf.Sync.MaxDelaySeconds <= 0 {
		cnf.Sync.MaxDelaySeconds = 300
	}
	if cnf.Sync.MaxDelaySeconds < cnf.Sync.BaseDelaySeconds {
		return errors.New("sync max delay must not be smaller than base delay")
	}
	if cnf.Sync.NumberOfQueues <= 0 {
		cnf.Sync.NumberOfQueues = 4
	}
	if cnf.Sync.SyncQueue == "" {
		cnf.Sync.SyncQueue = "new:sync"
	}
	if cnf.Sync.AlertQueue == "" {
		cnf.Sync.AlertQueue = "new:sync_alert"
	}
	if cnf.Sync.MonitoringPort == "" {
		cnf.Sync.MonitoringPort = "5003"
	}
	if cnf.Sync.RetentionHours <= 0 {
		cnf.Sync.RetentionHours = 24
	}

	if cnf.Reconciliation.IntervalMinutes <= 0 {
		cnf.Reconciliation.IntervalMinutes = 30
	}

	if cnf.Alerting.CriticalFailedThreshold <= 0 {
		cnf.Alerting.CriticalFailedThreshold = 5
	}
	if cnf.Alerting.FailureRateThreshold <= 0 {
		cnf.Alerting.FailureRateThreshold = 0.10
	}
	if cnf.Alerting.FailureCountThreshold <= 0 {
		cnf.Alerting.FailureCountThreshold = 3
	}
	if cnf.Alerting.StalenessHours <= 0 {
		cnf.Alerting.StalenessHours = 24
	}

	return nil
}

// BaseDelay returns the configured retry base delay as a duration.
func (cnf *Configuration) BaseDelay() time.Duration {
	return time.Duration(cnf.Sync.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the configured retry delay ceiling as a duration.
func (cnf *Configuration) MaxDelay() time.Duration {
	return time.Duration(cnf.Sync.MaxDelaySeconds) * time.Second
}

// RemoteTimeout returns the remote call timeout as a duration.
func (cnf *Configuration) RemoteTimeout() time.Duration {
	return time.Duration(cnf.Remote.TimeoutSeconds) * time.Second
}

// StalenessWindow returns the staleness alert window as a duration.
func (cnf *Configuration) StalenessWindow() time.Duration {
	return time.Duration(cnf.Alerting.StalenessHours) * time.Hour
}

// Retention returns the succeeded-operation retention period as a duration.
func (cnf *Configuration) Retention() time.Duration {
	return time.Duration(cnf.Sync.RetentionHours) * time.Hour
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	if err := mockConfig.validateAndAddDefaults(); err != nil {
		log.Printf("Warning: mock config validation error: %v", err)
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
