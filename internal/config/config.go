package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// BrokerFromStdin is the MQTT_BROKER_URL placeholder that asks the operator
// for the broker address at startup.
const BrokerFromStdin = "FROM_STDIN"

const (
	DefaultPublishTopic   = "temp-humidity/mqtt/esp32/publish"
	DefaultSubscribeTopic = "temp-humidity/mqtt/esp32/subscribe"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	MQTTBrokerURL       string
	MQTTBrokerFromStdin bool
	MQTTClientID        string
	MQTTUsername        string
	MQTTPassword        string
	PublishTopic        string
	SubscribeTopic      string

	SensorDriver       string
	SensorGPIO         string
	BME280Address      uint16
	SensorPollInterval time.Duration
	SensorReadTimeout  time.Duration

	PayloadFormat string

	// HistoryDBPath enables the local SQLite journal when set.
	HistoryDBPath string
	// HistoryRetention is how long journal rows are kept. Zero keeps
	// everything.
	HistoryRetention time.Duration
	// HTTPAddr enables the status API when set.
	HTTPAddr string
}

// InteractiveBroker reports whether the broker address must be read from
// the operator before the client can be created.
func (c Config) InteractiveBroker() bool {
	return c.MQTTBrokerURL == BrokerFromStdin
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	brokerURL := strings.TrimSpace(os.Getenv("MQTT_BROKER_URL"))
	if brokerURL == "" {
		brokerURL = "tcp://localhost:1883"
	}

	fromStdinStr := strings.TrimSpace(os.Getenv("MQTT_BROKER_FROM_STDIN"))
	if fromStdinStr == "" {
		fromStdinStr = "false"
	}
	fromStdin, err := strconv.ParseBool(fromStdinStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_BROKER_FROM_STDIN %q: %w", fromStdinStr, err)
	}
	if fromStdin && brokerURL != BrokerFromStdin {
		return Config{}, fmt.Errorf("configuration mismatch: MQTT_BROKER_FROM_STDIN is set but MQTT_BROKER_URL is %q, want %q", brokerURL, BrokerFromStdin)
	}
	if brokerURL != BrokerFromStdin {
		if err := ValidateBrokerURL(brokerURL); err != nil {
			return Config{}, err
		}
	}

	publishTopic := strings.TrimSpace(os.Getenv("MQTT_PUBLISH_TOPIC"))
	if publishTopic == "" {
		publishTopic = DefaultPublishTopic
	}
	subscribeTopic := strings.TrimSpace(os.Getenv("MQTT_SUBSCRIBE_TOPIC"))
	if subscribeTopic == "" {
		subscribeTopic = DefaultSubscribeTopic
	}

	sensorDriver := strings.ToLower(strings.TrimSpace(os.Getenv("SENSOR_DRIVER")))
	if sensorDriver == "" {
		sensorDriver = "dht22"
	}
	switch sensorDriver {
	case "dht22", "bme280", "sim":
	default:
		return Config{}, fmt.Errorf("invalid SENSOR_DRIVER %q (allowed: dht22, bme280, sim)", sensorDriver)
	}

	sensorGPIO := strings.TrimSpace(os.Getenv("SENSOR_GPIO"))
	if sensorGPIO == "" {
		sensorGPIO = "GPIO4"
	}

	bme280AddressStr := strings.TrimSpace(os.Getenv("BME280_ADDRESS"))
	if bme280AddressStr == "" {
		bme280AddressStr = "0x76"
	}
	bme280Address, err := strconv.ParseUint(bme280AddressStr, 0, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BME280_ADDRESS %q: %w", bme280AddressStr, err)
	}

	pollInterval, err := positiveDuration("SENSOR_POLL_INTERVAL", "2s")
	if err != nil {
		return Config{}, err
	}
	readTimeout, err := positiveDuration("SENSOR_READ_TIMEOUT", "500ms")
	if err != nil {
		return Config{}, err
	}

	payloadFormat := strings.ToLower(strings.TrimSpace(os.Getenv("PAYLOAD_FORMAT")))
	if payloadFormat == "" {
		payloadFormat = "compact"
	}
	switch payloadFormat {
	case "compact", "json":
	default:
		return Config{}, fmt.Errorf("invalid PAYLOAD_FORMAT %q (allowed: compact, json)", payloadFormat)
	}

	retentionStr := strings.TrimSpace(os.Getenv("HISTORY_RETENTION"))
	if retentionStr == "" {
		retentionStr = "168h"
	}
	retention, err := time.ParseDuration(retentionStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid HISTORY_RETENTION %q: %w", retentionStr, err)
	}
	if retention < 0 {
		return Config{}, fmt.Errorf("HISTORY_RETENTION must not be negative, got %v", retention)
	}

	return Config{
		AppEnv:              appEnv,
		LogLevel:            level,
		MQTTBrokerURL:       brokerURL,
		MQTTBrokerFromStdin: fromStdin,
		MQTTClientID:        strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID")),
		MQTTUsername:        strings.TrimSpace(os.Getenv("MQTT_USERNAME")),
		MQTTPassword:        os.Getenv("MQTT_PASSWORD"),
		PublishTopic:        publishTopic,
		SubscribeTopic:      subscribeTopic,
		SensorDriver:        sensorDriver,
		SensorGPIO:          sensorGPIO,
		BME280Address:       uint16(bme280Address),
		SensorPollInterval:  pollInterval,
		SensorReadTimeout:   readTimeout,
		PayloadFormat:       payloadFormat,
		HistoryDBPath:       strings.TrimSpace(os.Getenv("HISTORY_DB_PATH")),
		HistoryRetention:    retention,
		HTTPAddr:            strings.TrimSpace(os.Getenv("HTTP_ADDR")),
	}, nil
}

// ValidateBrokerURL accepts the URL schemes paho can dial.
func ValidateBrokerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid broker url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "tcps", "ws", "wss":
	default:
		return fmt.Errorf("invalid broker url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid broker url %q: missing host", raw)
	}
	return nil
}

func positiveDuration(key, fallback string) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		s = fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
