// pkg/kafka/producer_test.go
package kafka

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/YaganovValera/kalshi-stream/pkg/backoff"
	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

var fastBackoff = backoff.Config{
	InitialInterval: time.Millisecond,
	Multiplier:      1,
	MaxInterval:     time.Millisecond,
	MaxElapsedTime:  50 * time.Millisecond,
}

// Проверяем applyDefaults и validate.
func TestConfigDefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name     string
		input    Config
		wantErr  bool
		wantAcks string
		wantComp string
	}{
		{"empty", Config{}, true, "all", "none"},
		{"noBrokers", Config{Compression: "gzip"}, true, "all", "gzip"},
		{"ok", Config{Brokers: []string{"b1"}}, false, "all", "none"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.input
			cfg.applyDefaults()
			if got := cfg.RequiredAcks; got != c.wantAcks {
				t.Errorf("RequiredAcks = %q; want %q", got, c.wantAcks)
			}
			if got := cfg.Compression; got != c.wantComp {
				t.Errorf("Compression = %q; want %q", got, c.wantComp)
			}
			if cfg.Timeout != 5*time.Second {
				t.Errorf("Timeout = %v; want 5s", cfg.Timeout)
			}
			err := cfg.validate()
			if (err != nil) != c.wantErr {
				t.Errorf("validate() error = %v; wantErr=%v", err, c.wantErr)
			}
		})
	}
}

func TestBuildSaramaConfig_RequiredAcks(t *testing.T) {
	cases := []struct {
		acks       string
		wantErr    bool
		idempotent bool
	}{
		{"all", false, true}, {"leader", false, false}, {"none", false, false},
		{"ALL", false, true}, {"LeAdEr", false, false}, {"invalid", true, false},
	}
	for _, c := range cases {
		t.Run(c.acks, func(t *testing.T) {
			cfg := Config{RequiredAcks: c.acks, Compression: "none", Brokers: []string{"x"}}
			sc, err := buildSaramaConfig(cfg)
			if c.wantErr {
				if err == nil {
					t.Errorf("buildSaramaConfig(%q) expected error", c.acks)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sc.Producer.Idempotent != c.idempotent {
				t.Errorf("Idempotent = %v; want %v", sc.Producer.Idempotent, c.idempotent)
			}
			if err := sc.Validate(); err != nil {
				t.Errorf("sarama rejected config: %v", err)
			}
			switch strings.ToLower(c.acks) {
			case "all":
				if sc.Producer.RequiredAcks != sarama.WaitForAll {
					t.Errorf("got %v; want %v", sc.Producer.RequiredAcks, sarama.WaitForAll)
				}
			case "leader":
				if sc.Producer.RequiredAcks != sarama.WaitForLocal {
					t.Errorf("got %v; want %v", sc.Producer.RequiredAcks, sarama.WaitForLocal)
				}
			case "none":
				if sc.Producer.RequiredAcks != sarama.NoResponse {
					t.Errorf("got %v; want %v", sc.Producer.RequiredAcks, sarama.NoResponse)
				}
			}
		})
	}
}

func TestBuildSaramaConfig_Compression(t *testing.T) {
	cases := []struct {
		comp    string
		wantErr bool
	}{
		{"none", false}, {"gzip", false}, {"snappy", false},
		{"lz4", false}, {"zstd", false}, {"NONE", false},
		{"bogus", true},
	}
	for _, c := range cases {
		t.Run(c.comp, func(t *testing.T) {
			cfg := Config{RequiredAcks: "all", Compression: c.comp, Brokers: []string{"x"}}
			_, err := buildSaramaConfig(cfg)
			if c.wantErr {
				if err == nil {
					t.Errorf("buildSaramaConfig comp=%q expected error", c.comp)
				}
			} else if err != nil {
				t.Fatalf("unexpected error for %q: %v", c.comp, err)
			}
		})
	}
}

// Сначала ошибка, потом успех.
func TestPublish_RetryAndSuccess(t *testing.T) {
	mockProd := mocks.NewSyncProducer(t, sarama.NewConfig())
	mockProd.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	mockProd.ExpectSendMessageAndSucceed()

	kp := &kafkaProducer{prod: mockProd, logger: logger.Nop(), backoffCfg: fastBackoff}
	if err := kp.Publish(context.Background(), "topic", []byte("key"), []byte("value")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := kp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestPublish_KeyAndValue(t *testing.T) {
	mockProd := mocks.NewSyncProducer(t, sarama.NewConfig())
	mockProd.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		k, _ := msg.Key.Encode()
		v, _ := msg.Value.Encode()
		if msg.Topic != "kalshi.ticker" || string(k) != "FOO" || string(v) != `{"x":1}` {
			t.Errorf("unexpected message: topic=%s key=%s value=%s", msg.Topic, k, v)
		}
		return nil
	})

	kp := &kafkaProducer{prod: mockProd, logger: logger.Nop(), backoffCfg: fastBackoff}
	if err := kp.Publish(context.Background(), "kalshi.ticker", []byte("FOO"), []byte(`{"x":1}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	_ = kp.Close()
}

func TestPublish_GivesUp(t *testing.T) {
	mockProd := mocks.NewSyncProducer(t, sarama.NewConfig())
	// с запасом: количество попыток за MaxElapsedTime не фиксировано
	for i := 0; i < 200; i++ {
		mockProd.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	kp := &kafkaProducer{prod: mockProd, logger: logger.Nop(), backoffCfg: fastBackoff}
	if err := kp.Publish(context.Background(), "topic", nil, []byte("v")); err == nil {
		t.Fatal("expected error after retries")
	}
}

func TestPing_NoClient(t *testing.T) {
	kp := &kafkaProducer{logger: logger.Nop()}
	if err := kp.Ping(context.Background()); err == nil {
		t.Fatal("expected error without client")
	}
}

// Ошибка валидации до Sarama.
func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{}, logger.Nop()); err == nil {
		t.Fatal("Expected error for empty Config, got nil")
	}
}

func TestNew_InvalidAcks(t *testing.T) {
	cfg := Config{
		Brokers:      []string{"dummy"},
		RequiredAcks: "invalid",
		Compression:  "none",
	}
	if _, err := New(context.Background(), cfg, logger.Nop()); err == nil {
		t.Fatal("Expected error for invalid RequiredAcks, got nil")
	}
}
