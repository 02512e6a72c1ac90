// Package config loads runtime configuration from environment variables and
// an optional .env file, following the defaults named in the resource bounds
// (maxModelCalls=10, maxPlans=5, maxBatch=10).
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds everything the CLI needs to wire a classifier-agent run.
type Config struct {
	MaxPlans      int
	MaxModelCalls int
	MaxBatch      int

	AnthropicAPIKey string
	OpenAIAPIKey    string
	LLMProvider     string // "anthropic" or "openai"

	MongoURI      string
	MongoDatabase string

	RedisURL string

	QdrantHost   string
	QdrantPort   int
	QdrantAPIKey string

	HTTPAddr string
}

// Load reads a .env file if present (missing is not an error) then overlays
// environment variables, applying the spec's documented defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		MaxPlans:      envInt("CLASSIFIER_MAX_PLANS", 5),
		MaxModelCalls: envInt("CLASSIFIER_MAX_MODEL_CALLS", 10),
		MaxBatch:      envInt("CLASSIFIER_MAX_BATCH", 10),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		LLMProvider:     envString("CLASSIFIER_LLM_PROVIDER", "anthropic"),

		MongoURI:      envString("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: envString("MONGO_DATABASE", "classifier_agent"),

		RedisURL: os.Getenv("REDIS_URL"),

		QdrantHost:   envString("QDRANT_HOST", "localhost"),
		QdrantPort:   envInt("QDRANT_PORT", 6334),
		QdrantAPIKey: os.Getenv("QDRANT_API_KEY"),

		HTTPAddr: envString("CLASSIFIER_HTTP_ADDR", ":8080"),
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
