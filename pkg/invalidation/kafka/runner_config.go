package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type TLSConfig struct {
	Enable     bool
	CaFile     string
	CertFile   string
	KeyFile    string
	SkipVerify bool
}

type SASLConfig struct {
	Enable bool
	// Mechanism is PLAIN; other mechanisms are rejected.
	Mechanism string
	Username  string
	Password  string
}

type InvalidationConfig struct {
	Enabled bool
	Driver  Driver

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
	// DedupeSize bounds the datasets whose last applied version is kept.
	DedupeSize int

	TLS  TLSConfig
	SASL SASLConfig
}

func FromEnv() InvalidationConfig {
	enabled := strings.ToLower(os.Getenv("INVALIDATION_ENABLED")) == "true"
	driver := Driver(strings.TrimSpace(os.Getenv("INVALIDATION_DRIVER")))
	if driver == "" {
		driver = DriverNone
	}
	brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if brokers == "" {
		brokers = "localhost:9092"
	}
	topic := strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))
	if topic == "" {
		topic = "tile-invalidation"
	}
	group := strings.TrimSpace(os.Getenv("KAFKA_GROUP_ID"))
	if group == "" {
		group = "tilecache-invalidator"
	}

	return InvalidationConfig{
		Enabled:          enabled,
		Driver:           driver,
		Brokers:          Split(brokers),
		Topic:            topic,
		GroupID:          group,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    true,
		DedupeSize:       8192,
		TLS: TLSConfig{
			Enable:     strings.ToLower(os.Getenv("KAFKA_TLS_ENABLE")) == "true",
			CaFile:     os.Getenv("KAFKA_TLS_CA_FILE"),
			CertFile:   os.Getenv("KAFKA_TLS_CERT_FILE"),
			KeyFile:    os.Getenv("KAFKA_TLS_KEY_FILE"),
			SkipVerify: strings.ToLower(os.Getenv("KAFKA_TLS_SKIP_VERIFY")) == "true",
		},
		SASL: SASLConfig{
			Enable:    os.Getenv("KAFKA_SASL_USERNAME") != "",
			Mechanism: "PLAIN",
			Username:  os.Getenv("KAFKA_SASL_USERNAME"),
			Password:  os.Getenv("KAFKA_SASL_PASSWORD"),
		},
	}
}

// Split parses a comma separated broker list.
func Split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

// ApplyNet copies the TLS and SASL settings onto a sarama config.
func (c InvalidationConfig) ApplyNet(cfg *sarama.Config) error {
	if c.TLS.Enable {
		tc := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLS.SkipVerify} //nolint:gosec // opt-in for test clusters
		if c.TLS.CaFile != "" {
			pem, err := os.ReadFile(c.TLS.CaFile)
			if err != nil {
				return fmt.Errorf("kafka tls ca: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return fmt.Errorf("kafka tls ca: no certificates in %s", c.TLS.CaFile)
			}
			tc.RootCAs = pool
		}
		if c.TLS.CertFile != "" || c.TLS.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
			if err != nil {
				return fmt.Errorf("kafka tls client cert: %w", err)
			}
			tc.Certificates = []tls.Certificate{cert}
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tc
	}
	if c.SASL.Enable {
		mech := strings.ToUpper(strings.TrimSpace(c.SASL.Mechanism))
		if mech != "" && mech != sarama.SASLTypePlaintext {
			return fmt.Errorf("kafka sasl mechanism %q not supported", c.SASL.Mechanism)
		}
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = c.SASL.Username
		cfg.Net.SASL.Password = c.SASL.Password
	}
	return nil
}
