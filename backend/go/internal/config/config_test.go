package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"linsight/backend/go/internal/models"
)

func TestLoadConfig_ParsesDurationsAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
llm:
  model: test-model
linsight:
  monitorInterval: 100ms
  visibilityTimeout: 5m
  deductToolErrors: false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if got := cfg.Linsight.MonitorInterval.Std(); got != 500*time.Millisecond {
		t.Errorf("monitor interval should be clamped to 500ms, got %s", got)
	}
	if got := cfg.Linsight.VisibilityTimeout.Std(); got != 5*time.Minute {
		t.Errorf("expected visibility timeout 5m, got %s", got)
	}
	if cfg.Linsight.MaxTurns != 20 {
		t.Errorf("expected default max turns 20, got %d", cfg.Linsight.MaxTurns)
	}
	if cfg.Linsight.RebuildBatchSize != 16 {
		t.Errorf("expected default rebuild batch 16, got %d", cfg.Linsight.RebuildBatchSize)
	}
	if cfg.Linsight.ToolErrorsDeduct() {
		t.Errorf("deductToolErrors=false should be respected")
	}
	if cfg.Databases.Milvus.CollectionName != SOPCollection {
		t.Errorf("expected collection %s, got %s", SOPCollection, cfg.Databases.Milvus.CollectionName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error = %v", err)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("linsight:\n  streamTTL: soon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidate_MissingModel(t *testing.T) {
	cfg := &AppConfig{}
	cfg.Defaults()
	err := cfg.Validate()
	if !errors.Is(err, models.ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}
	if !cfg.Linsight.ToolErrorsDeduct() {
		t.Errorf("tool errors should deduct by default")
	}
}

func TestDefaults_EnabledMiddlewareGetsLimits(t *testing.T) {
	cfg := &AppConfig{}
	cfg.Server.RateLimit.Enabled = true
	cfg.Linsight.ToolBreaker.Enabled = true
	cfg.Defaults()

	if cfg.Server.RateLimit.Rate != 5 || cfg.Server.RateLimit.Burst != 10 {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.Server.RateLimit)
	}
	b := cfg.Linsight.ToolBreaker
	if b.FailureThreshold != 5 || b.SuccessThreshold != 1 || b.OpenTimeout.Std() != 30*time.Second {
		t.Errorf("unexpected breaker defaults: %+v", b)
	}

	disabled := &AppConfig{}
	disabled.Defaults()
	if disabled.Linsight.ToolBreaker.FailureThreshold != 0 {
		t.Errorf("disabled breaker should stay zero, got %+v", disabled.Linsight.ToolBreaker)
	}
}

func TestDefaults_KnowledgeFields(t *testing.T) {
	cfg := &AppConfig{}
	cfg.Defaults()

	k := cfg.Knowledge
	if k.TextField != "text" || k.UserField != "user_id" {
		t.Errorf("unexpected knowledge field defaults: %+v", k)
	}
	if k.QueryCacheSize != 512 || k.QueryCacheTTL.Std() != 10*time.Minute {
		t.Errorf("unexpected query cache defaults: %+v", k)
	}
	if k.PersonalCollection != "" || k.OrgCollection != "" {
		t.Errorf("knowledge collections should stay disabled by default: %+v", k)
	}
}

func TestDefaults_DriverTimeoutsAndTopics(t *testing.T) {
	cfg := &AppConfig{}
	cfg.Defaults()

	r := cfg.Databases.Redis
	if r.DialTimeout.Std() != 5*time.Second || r.ReadTimeout.Std() != 10*time.Second {
		t.Errorf("unexpected redis timeouts: %+v", r)
	}
	k := cfg.Databases.Kafka
	if k.Partitions != 1 || k.ReplicationFactor != 1 {
		t.Errorf("unexpected kafka topic defaults: %+v", k)
	}
}
