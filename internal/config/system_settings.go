package config

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Settings are read from STEPFLOW_<KEY> environment variables or from an optional config file.
const ENV_PREFIX = "STEPFLOW"

const DATABASE_TYPE = "DATABASE_TYPE"
const DATABASE_URL = "DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "DATABASE_SQLLITE_FILE_NAME"
const ENGINE_SERVER_WEB_PORT = "ENGINE_SERVER_WEB_PORT"
const ENGINE_EXECUTOR_SIZE = "ENGINE_EXECUTOR_SIZE" //number of workers consuming the step queue
const ENGINE_QUEUE_SIZE = "ENGINE_QUEUE_SIZE"       //buffer of the in-memory queue
const ENGINE_STEP_TIMEOUT = "ENGINE_STEP_TIMEOUT"   //max duration of a single handler execution
const ENGINE_REPAIR_INTERVAL = "ENGINE_REPAIR_INTERVAL"
const ENGINE_REPAIR_STALE_AFTER = "ENGINE_REPAIR_STALE_AFTER"         //pending jobs untouched this long are enqueued again
const ENGINE_REPAIR_ABANDONED_AFTER = "ENGINE_REPAIR_ABANDONED_AFTER" //processing steps older than this are failed
const QUEUE_TYPE = "QUEUE_TYPE"
const REDIS_ADDR = "REDIS_ADDR"
const REDIS_PASSWORD = "REDIS_PASSWORD"
const REDIS_DB = "REDIS_DB"
const API_KEY_HASH = "API_KEY_HASH"
const LOG_LEVEL = "LOG_LEVEL"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

const QUEUE_TYPE_MEMORY = "MEMORY"
const QUEUE_TYPE_REDIS = "REDIS"

var (
	mu       sync.RWMutex
	settings = newSettings()
)

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(DATABASE_SQLLITE_FILE_NAME, "./stepflow.db")
	v.SetDefault(ENGINE_SERVER_WEB_PORT, "8080")
	v.SetDefault(ENGINE_EXECUTOR_SIZE, "4")
	v.SetDefault(ENGINE_QUEUE_SIZE, "100")
	v.SetDefault(ENGINE_STEP_TIMEOUT, "10m")
	v.SetDefault(ENGINE_REPAIR_INTERVAL, "60s")
	v.SetDefault(ENGINE_REPAIR_STALE_AFTER, "5m")
	v.SetDefault(ENGINE_REPAIR_ABANDONED_AFTER, "30m")
	v.SetDefault(QUEUE_TYPE, QUEUE_TYPE_MEMORY)
	v.SetDefault(REDIS_ADDR, "localhost:6379")
	v.SetDefault(REDIS_DB, "0")
	v.SetDefault(LOG_LEVEL, "INFO")
	return v
}

// LoadFile merges a config file (yaml, json, toml...) on top of the defaults.
// Environment variables still take precedence over values from the file.
func LoadFile(path string) error {
	if path == "" {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	settings.SetConfigFile(path)
	return settings.ReadInConfig()
}

// Set overrides a single setting, mostly useful for embedding and tests.
func Set(settingKey string, value string) {
	mu.Lock()
	defer mu.Unlock()
	settings.Set(settingKey, value)
}

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}
	return 0
}

// GetSystemSettingDuration parses the setting with time.ParseDuration, falling back to def
// when the value is missing or malformed.
func GetSystemSettingDuration(settingKey string, def time.Duration) time.Duration {
	val := GetSystemSettingString(settingKey)
	if val == "" {
		return def
	}
	dur, err := time.ParseDuration(val)
	if err != nil || dur <= 0 {
		return def
	}
	return dur
}

func GetSystemSettingString(settingKey string) string {
	mu.RLock()
	defer mu.RUnlock()
	return settings.GetString(settingKey)
}
