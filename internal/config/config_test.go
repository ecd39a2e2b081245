package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("queryloom-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.ObjectStore.Endpoint != "localhost:9000" {
		t.Fatalf("ObjectStore.Endpoint = %q", cfg.ObjectStore.Endpoint)
	}
	if cfg.Warehouse.MaxOpenConns != 20 {
		t.Fatalf("Warehouse.MaxOpenConns = %d", cfg.Warehouse.MaxOpenConns)
	}
	if cfg.Warehouse.RowLimit != 1000 {
		t.Fatalf("Warehouse.RowLimit = %d", cfg.Warehouse.RowLimit)
	}
	if cfg.Ledger.Path != "queryloom-ledger.duckdb" {
		t.Fatalf("Ledger.Path = %q", cfg.Ledger.Path)
	}
	if cfg.Retrieval.DefaultTopK != 2 {
		t.Fatalf("Retrieval.DefaultTopK = %d", cfg.Retrieval.DefaultTopK)
	}
	if cfg.Retrieval.DenseWeight != 0.6 || cfg.Retrieval.LexicalWeight != 0.4 {
		t.Fatalf("Retrieval weights = %f/%f", cfg.Retrieval.DenseWeight, cfg.Retrieval.LexicalWeight)
	}
	if cfg.Retrieval.SimilarityThreshold != 0.3 {
		t.Fatalf("Retrieval.SimilarityThreshold = %f", cfg.Retrieval.SimilarityThreshold)
	}
	if cfg.Retrieval.EmbedRetryBackoff != 2*time.Second {
		t.Fatalf("Retrieval.EmbedRetryBackoff = %s", cfg.Retrieval.EmbedRetryBackoff)
	}
	if cfg.LLM.Model != "gpt-5" {
		t.Fatalf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" {
		t.Fatalf("Embedding.Model = %q", cfg.Embedding.Model)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	lookup := mapLookup(map[string]string{"QUERYLOOM_PROFILE": "prod"})
	cfg, err := Load("queryloom-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"QUERYLOOM_PROFILE":                        "test",
		"QUERYLOOM_HTTP_ADDR":                      ":9999",
		"QUERYLOOM_HTTP_READ_TIMEOUT":              "2s",
		"QUERYLOOM_HTTP_WRITE_TIMEOUT":             "3s",
		"QUERYLOOM_LOG_LEVEL":                      "error",
		"QUERYLOOM_AUTH_REQUIRED":                  "true",
		"QUERYLOOM_AUTH_STATIC_KEYS":               "k1:analyst1:query_runner",
		"QUERYLOOM_SERVICE_NAME":                   "queryloom-custom",
		"QUERYLOOM_WAREHOUSE_DSN":                  "postgres://example",
		"QUERYLOOM_WAREHOUSE_MAX_OPEN_CONNS":       "42",
		"QUERYLOOM_WAREHOUSE_MAX_IDLE_CONNS":       "17",
		"QUERYLOOM_WAREHOUSE_ROW_LIMIT":            "250",
		"QUERYLOOM_LEDGER_PATH":                    "/var/lib/queryloom/audit.duckdb",
		"QUERYLOOM_OBJECTSTORE_ENDPOINT":           "s3.example.com",
		"QUERYLOOM_OBJECTSTORE_BUCKET":             "queryloom-prod",
		"QUERYLOOM_OBJECTSTORE_REGION":             "us-west-2",
		"QUERYLOOM_OBJECTSTORE_ACCESS_KEY":         "abc",
		"QUERYLOOM_OBJECTSTORE_SECRET_KEY":         "def",
		"QUERYLOOM_OBJECTSTORE_USE_SSL":            "true",
		"QUERYLOOM_OBJECTSTORE_PREFIX":             "analytics",
		"QUERYLOOM_OBJECTSTORE_LOCAL_DIR":          "/srv/reference",
		"QUERYLOOM_REFERENCE_TABLES_KEY":           "ref/t.csv",
		"QUERYLOOM_REFERENCE_COLUMNS_KEY":          "ref/c.csv",
		"QUERYLOOM_REFERENCE_JOIN_MATRIX_KEY":      "ref/j.csv",
		"QUERYLOOM_RETRIEVAL_CORPUS_KEY":           "ref/examples.parquet",
		"QUERYLOOM_RETRIEVAL_DEFAULT_TOP_K":        "5",
		"QUERYLOOM_RETRIEVAL_DENSE_WEIGHT":         "0.7",
		"QUERYLOOM_RETRIEVAL_LEXICAL_WEIGHT":       "0.3",
		"QUERYLOOM_RETRIEVAL_SIMILARITY_THRESHOLD": "0.5",
		"QUERYLOOM_RETRIEVAL_EMBED_RETRY_BACKOFF":  "750ms",
		"QUERYLOOM_LLM_BASE_URL":                   "https://api.example.com",
		"QUERYLOOM_LLM_API_KEY":                    "secret-key",
		"QUERYLOOM_LLM_MODEL":                      "gpt-5.2",
		"QUERYLOOM_LLM_TEMPERATURE":                "0.3",
		"QUERYLOOM_LLM_TIMEOUT":                    "21s",
		"QUERYLOOM_EMBEDDING_BASE_URL":             "https://embed.example.com",
		"QUERYLOOM_EMBEDDING_API_KEY":              "embed-key",
		"QUERYLOOM_EMBEDDING_MODEL":                "text-embedding-3-large",
		"QUERYLOOM_EMBEDDING_TIMEOUT":              "9s",
	})
	cfg, err := Load("queryloom-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "queryloom-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP.ReadTimeout = %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.HTTP.WriteTimeout != 3*time.Second {
		t.Fatalf("HTTP.WriteTimeout = %s", cfg.HTTP.WriteTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required = false, want true")
	}
	if cfg.Auth.StaticKeys != "k1:analyst1:query_runner" {
		t.Fatalf("StaticKeys = %q", cfg.Auth.StaticKeys)
	}
	if cfg.Warehouse.DSN != "postgres://example" {
		t.Fatalf("Warehouse.DSN = %q", cfg.Warehouse.DSN)
	}
	if cfg.Warehouse.MaxOpenConns != 42 {
		t.Fatalf("Warehouse.MaxOpenConns = %d", cfg.Warehouse.MaxOpenConns)
	}
	if cfg.Warehouse.MaxIdleConns != 17 {
		t.Fatalf("Warehouse.MaxIdleConns = %d", cfg.Warehouse.MaxIdleConns)
	}
	if cfg.Warehouse.RowLimit != 250 {
		t.Fatalf("Warehouse.RowLimit = %d", cfg.Warehouse.RowLimit)
	}
	if cfg.Ledger.Path != "/var/lib/queryloom/audit.duckdb" {
		t.Fatalf("Ledger.Path = %q", cfg.Ledger.Path)
	}
	if cfg.ObjectStore.Endpoint != "s3.example.com" {
		t.Fatalf("ObjectStore.Endpoint = %q", cfg.ObjectStore.Endpoint)
	}
	if cfg.ObjectStore.Bucket != "queryloom-prod" {
		t.Fatalf("ObjectStore.Bucket = %q", cfg.ObjectStore.Bucket)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL = false, want true")
	}
	if cfg.ObjectStore.LocalDir != "/srv/reference" {
		t.Fatalf("ObjectStore.LocalDir = %q", cfg.ObjectStore.LocalDir)
	}
	if cfg.Reference.TablesKey != "ref/t.csv" {
		t.Fatalf("Reference.TablesKey = %q", cfg.Reference.TablesKey)
	}
	if cfg.Reference.ColumnsKey != "ref/c.csv" {
		t.Fatalf("Reference.ColumnsKey = %q", cfg.Reference.ColumnsKey)
	}
	if cfg.Reference.JoinMatrixKey != "ref/j.csv" {
		t.Fatalf("Reference.JoinMatrixKey = %q", cfg.Reference.JoinMatrixKey)
	}
	if cfg.Retrieval.CorpusKey != "ref/examples.parquet" {
		t.Fatalf("Retrieval.CorpusKey = %q", cfg.Retrieval.CorpusKey)
	}
	if cfg.Retrieval.DefaultTopK != 5 {
		t.Fatalf("Retrieval.DefaultTopK = %d", cfg.Retrieval.DefaultTopK)
	}
	if cfg.Retrieval.DenseWeight != 0.7 {
		t.Fatalf("Retrieval.DenseWeight = %f", cfg.Retrieval.DenseWeight)
	}
	if cfg.Retrieval.LexicalWeight != 0.3 {
		t.Fatalf("Retrieval.LexicalWeight = %f", cfg.Retrieval.LexicalWeight)
	}
	if cfg.Retrieval.SimilarityThreshold != 0.5 {
		t.Fatalf("Retrieval.SimilarityThreshold = %f", cfg.Retrieval.SimilarityThreshold)
	}
	if cfg.Retrieval.EmbedRetryBackoff != 750*time.Millisecond {
		t.Fatalf("Retrieval.EmbedRetryBackoff = %s", cfg.Retrieval.EmbedRetryBackoff)
	}
	if cfg.LLM.BaseURL != "https://api.example.com" {
		t.Fatalf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.APIKey != "secret-key" {
		t.Fatalf("LLM.APIKey = %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gpt-5.2" {
		t.Fatalf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.LLM.Temperature != 0.3 {
		t.Fatalf("LLM.Temperature = %f", cfg.LLM.Temperature)
	}
	if cfg.LLM.Timeout != 21*time.Second {
		t.Fatalf("LLM.Timeout = %s", cfg.LLM.Timeout)
	}
	if cfg.Embedding.BaseURL != "https://embed.example.com" {
		t.Fatalf("Embedding.BaseURL = %q", cfg.Embedding.BaseURL)
	}
	if cfg.Embedding.Model != "text-embedding-3-large" {
		t.Fatalf("Embedding.Model = %q", cfg.Embedding.Model)
	}
	if cfg.Embedding.Timeout != 9*time.Second {
		t.Fatalf("Embedding.Timeout = %s", cfg.Embedding.Timeout)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"QUERYLOOM_PROFILE": "oops"},
		{"QUERYLOOM_HTTP_READ_TIMEOUT": "NaN"},
		{"QUERYLOOM_WAREHOUSE_MAX_OPEN_CONNS": "oops"},
		{"QUERYLOOM_RETRIEVAL_DEFAULT_TOP_K": "0"},
		{"QUERYLOOM_RETRIEVAL_DENSE_WEIGHT": "-1"},
		{"QUERYLOOM_LLM_TEMPERATURE": "bad"},
		{"QUERYLOOM_AUTH_REQUIRED": "not-bool"},
		{"QUERYLOOM_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("queryloom-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
