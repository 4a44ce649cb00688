package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.AMQPExchange != "observations_exchange" ||
		cfg.AMQPQueue != "observations_queue" ||
		cfg.AMQPRoutingKey != "observations_routing_key" {
		t.Fatalf("unexpected default topology: %s/%s/%s", cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPRoutingKey)
	}
	if cfg.LimitMode != "truncate" {
		t.Fatalf("expected default limit mode truncate, got %q", cfg.LimitMode)
	}
}

func TestLoadTopologyOverrides(t *testing.T) {
	t.Setenv("KANSOKU_AMQP_EXCHANGE", "obs_x")
	t.Setenv("KANSOKU_AMQP_QUEUE", "obs_q")
	t.Setenv("KANSOKU_AMQP_ROUTING_KEY", "obs_rk")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMQPExchange != "obs_x" || cfg.AMQPQueue != "obs_q" || cfg.AMQPRoutingKey != "obs_rk" {
		t.Fatalf("overrides not applied: %s/%s/%s", cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPRoutingKey)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("KANSOKU_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid KANSOKU_PORT")
	}
	if got := err.Error(); !strings.Contains(got, "KANSOKU_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention KANSOKU_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KANSOKU_PORT", "abc")
	t.Setenv("KANSOKU_PUBLISH_TIMEOUT", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "KANSOKU_PORT") {
		t.Fatalf("error should mention KANSOKU_PORT, got: %s", got)
	}
	if !strings.Contains(got, "KANSOKU_PUBLISH_TIMEOUT") {
		t.Fatalf("error should mention KANSOKU_PUBLISH_TIMEOUT, got: %s", got)
	}
}

func TestLoadRejectsUnknownLimitMode(t *testing.T) {
	t.Setenv("KANSOKU_LIMIT_MODE", "drop")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject unknown limit mode")
	}
	if !strings.Contains(err.Error(), "KANSOKU_LIMIT_MODE") {
		t.Fatalf("error should mention KANSOKU_LIMIT_MODE, got: %s", err)
	}
}

func TestValidateRejectsEmptyTopology(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.AMQPRoutingKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate() to reject an empty routing key")
	}
}

func TestValidateRejectsBadClassID(t *testing.T) {
	t.Setenv("KANSOKU_LATENCY_CLASS_ID", "not-a-uuid")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid class id")
	}
}

func TestLoadLabelRetryDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LabelMaxRetries != 3 {
		t.Fatalf("expected 3 label retries by default, got %d", cfg.LabelMaxRetries)
	}
	if cfg.LabelRetryDelay != 50*time.Millisecond {
		t.Fatalf("expected 50ms label retry delay by default, got %s", cfg.LabelRetryDelay)
	}
}

func TestLoadLabelRetryOverrides(t *testing.T) {
	t.Setenv("KANSOKU_LABEL_MAX_RETRIES", "0")
	t.Setenv("KANSOKU_LABEL_RETRY_BASE_DELAY", "5ms")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LabelMaxRetries != 0 || cfg.LabelRetryDelay != 5*time.Millisecond {
		t.Fatalf("overrides not applied: %d/%s", cfg.LabelMaxRetries, cfg.LabelRetryDelay)
	}
}

func TestValidateRejectsNegativeLabelRetries(t *testing.T) {
	t.Setenv("KANSOKU_LABEL_MAX_RETRIES", "-1")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "KANSOKU_LABEL_MAX_RETRIES") {
		t.Fatalf("expected KANSOKU_LABEL_MAX_RETRIES error, got %v", err)
	}
}
