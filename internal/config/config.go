package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Gateway  GatewayConfig  `koanf:"gateway"`
	NATS     NATSConfig     `koanf:"nats"`
	DAQ      DAQConfig      `koanf:"daq"`
	Egress   EgressConfig   `koanf:"egress"`
	Devstate DevstateConfig `koanf:"devstate"`
	Registry RegistryConfig `koanf:"registry"`
	Emulator EmulatorConfig `koanf:"emulator"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type GatewayConfig struct {
	CommHost      string `koanf:"comm_host"`
	CommPort      int    `koanf:"comm_port"`
	AdListenPort  int    `koanf:"ad_listen_port"`
	AdRespondPort int    `koanf:"ad_respond_port"`
}

type NATSConfig struct {
	Server                string `koanf:"server"`
	ExternalPublishServer string `koanf:"external_publish_server"`
	ExternalMeshTopic     string `koanf:"external_mesh_topic"`
	CommandTopic          string `koanf:"command_topic"`
	ResponseTopic         string `koanf:"response_topic"`
}

type DAQConfig struct {
	// ThrottleDelay is the per-publish pause in seconds.
	ThrottleDelay     float64           `koanf:"throttle_delay"`
	QueueSize         int               `koanf:"queue_size"`
	BackpressureQSize int               `koanf:"backpressure_qsize"`
	Compression       CompressionConfig `koanf:"compression"`
}

// Throttle returns the per-publish pause as a duration.
func (d DAQConfig) Throttle() time.Duration {
	return time.Duration(d.ThrottleDelay * float64(time.Second))
}

type CompressionConfig struct {
	BatchOn int `koanf:"batch_on"`
	// BatchAt is the batch age threshold in seconds; fractions are
	// allowed.
	BatchAt float64 `koanf:"batch_at"`
	Codec   string  `koanf:"codec"`
}

// BatchAge returns the batch age threshold as a duration.
func (c CompressionConfig) BatchAge() time.Duration {
	return time.Duration(c.BatchAt * float64(time.Second))
}

type EgressConfig struct {
	Driver string      `koanf:"driver"`
	Kafka  KafkaConfig `koanf:"kafka"`
}

type KafkaConfig struct {
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type DevstateConfig struct {
	// RedisAddr enables the Redis mirror when set.
	RedisAddr string `koanf:"redis_addr"`
	RedisDB   int    `koanf:"redis_db"`
	KeyPrefix string `koanf:"key_prefix"`
}

type RegistryConfig struct {
	// DSN enables the Postgres monitor registry when set.
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type EmulatorConfig struct {
	// PanelDelay is the pause between panels within a cycle, in
	// seconds; CycleDelay between cycles.
	PanelDelay float64  `koanf:"panel_delay"`
	CycleDelay float64  `koanf:"cycle_delay"`
	PanelMACs  []string `koanf:"panel_macs"`
}

func (e EmulatorConfig) PanelPause() time.Duration {
	return time.Duration(e.PanelDelay * float64(time.Second))
}

func (e EmulatorConfig) CyclePause() time.Duration {
	return time.Duration(e.CycleDelay * float64(time.Second))
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: MESH_DAQ_GATEWAY__COMM_PORT → gateway.comm_port
	if err := k.Load(env.Provider("MESH_DAQ_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MESH_DAQ_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "mesh-daq-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Gateway: GatewayConfig{
			CommHost:      "127.0.0.1",
			CommPort:      59990,
			AdListenPort:  59991,
			AdRespondPort: 59992,
		},
		NATS: NATSConfig{
			Server:                "nats://127.0.0.1:4222",
			ExternalPublishServer: "nats://127.0.0.1:5222",
			ExternalMeshTopic:     "mesh.external",
			CommandTopic:          "daq.command",
			ResponseTopic:         "daq.response",
		},
		DAQ: DAQConfig{
			ThrottleDelay:     0.01,
			QueueSize:         1024,
			BackpressureQSize: 1000,
			Compression: CompressionConfig{
				BatchOn: 500,
				BatchAt: 60,
				Codec:   "bzip2",
			},
		},
		Egress: EgressConfig{
			Driver: "nats",
			Kafka: KafkaConfig{
				ClientID: "mesh-daq",
			},
		},
		Devstate: DevstateConfig{
			RedisDB:   3,
			KeyPrefix: "meshdaq",
		},
		Registry: RegistryConfig{
			MaxConns: 4,
			MinConns: 0,
		},
		Emulator: EmulatorConfig{
			PanelDelay: 0.25,
			CycleDelay: 0.5,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Egress.Kafka.Brokers) == 1 && strings.Contains(cfg.Egress.Kafka.Brokers[0], ",") {
		cfg.Egress.Kafka.Brokers = strings.Split(cfg.Egress.Kafka.Brokers[0], ",")
	}
	if len(cfg.Emulator.PanelMACs) == 1 && strings.Contains(cfg.Emulator.PanelMACs[0], ",") {
		cfg.Emulator.PanelMACs = strings.Split(cfg.Emulator.PanelMACs[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Gateway.CommHost == "" {
		return fmt.Errorf("config: gateway.comm_host is required")
	}
	for _, p := range []struct {
		name string
		port int
	}{
		{"gateway.comm_port", c.Gateway.CommPort},
		{"gateway.ad_listen_port", c.Gateway.AdListenPort},
		{"gateway.ad_respond_port", c.Gateway.AdRespondPort},
	} {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("config: %s must be a port number (got %d)", p.name, p.port)
		}
	}
	if c.NATS.Server == "" {
		return fmt.Errorf("config: nats.server is required")
	}
	if c.NATS.ExternalPublishServer == "" {
		return fmt.Errorf("config: nats.external_publish_server is required")
	}
	if c.NATS.ExternalMeshTopic == "" {
		return fmt.Errorf("config: nats.external_mesh_topic is required")
	}
	if c.NATS.CommandTopic == "" {
		return fmt.Errorf("config: nats.command_topic is required")
	}
	if c.NATS.ResponseTopic == "" {
		return fmt.Errorf("config: nats.response_topic is required")
	}
	if c.DAQ.ThrottleDelay < 0 {
		return fmt.Errorf("config: daq.throttle_delay must be >= 0 (got %g)", c.DAQ.ThrottleDelay)
	}
	if c.DAQ.QueueSize <= 0 {
		return fmt.Errorf("config: daq.queue_size must be > 0 (got %d)", c.DAQ.QueueSize)
	}
	if c.DAQ.BackpressureQSize <= 0 {
		return fmt.Errorf("config: daq.backpressure_qsize must be > 0 (got %d)", c.DAQ.BackpressureQSize)
	}
	if c.DAQ.Compression.BatchOn <= 0 {
		return fmt.Errorf("config: daq.compression.batch_on must be > 0 (got %d)", c.DAQ.Compression.BatchOn)
	}
	if c.DAQ.Compression.BatchAt <= 0 {
		return fmt.Errorf("config: daq.compression.batch_at must be > 0 (got %g)", c.DAQ.Compression.BatchAt)
	}
	switch c.DAQ.Compression.Codec {
	case "bzip2", "zstd":
	default:
		return fmt.Errorf("config: daq.compression.codec must be bzip2 or zstd (got %q)", c.DAQ.Compression.Codec)
	}
	switch c.Egress.Driver {
	case "nats":
	case "kafka":
		if len(c.Egress.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: egress.kafka.brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("config: egress.driver must be nats or kafka (got %q)", c.Egress.Driver)
	}
	if c.Devstate.RedisDB < 0 || c.Devstate.RedisDB > 15 {
		return fmt.Errorf("config: devstate.redis_db must be 0..15 (got %d)", c.Devstate.RedisDB)
	}
	if c.Registry.DSN != "" {
		if c.Registry.MaxConns <= 0 {
			return fmt.Errorf("config: registry.max_conns must be > 0 (got %d)", c.Registry.MaxConns)
		}
		if c.Registry.MinConns < 0 {
			return fmt.Errorf("config: registry.min_conns must be >= 0 (got %d)", c.Registry.MinConns)
		}
	}
	if c.Emulator.PanelDelay < 0 || c.Emulator.CycleDelay < 0 {
		return fmt.Errorf("config: emulator delays must be >= 0")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
