package model

import "time"

// ================ Config ================

// DefaultSystemPrompt keeps replies speakable: the text goes straight to TTS.
const DefaultSystemPrompt = "You are a helpful assistant. This conversation is being translated to voice, so answer carefully. " +
	"When you respond, please spell out all numbers, for example twenty not 20. Do not include emojis in your responses. " +
	"Do not include bullet points, asterisks, or special symbols."

type EngineConfig struct {
	SystemPrompt    string        `envconfig:"ENGINE_SYSTEM_PROMPT"`
	DefaultAgentID  string        `envconfig:"ENGINE_DEFAULT_AGENT_ID"`
	ClosingMessage  string        `envconfig:"ENGINE_CLOSING_MESSAGE" default:"Thank you for calling. Goodbye."`
	TransferMessage string        `envconfig:"ENGINE_TRANSFER_MESSAGE" default:"Please hold while I transfer your call."`
	GraceDelay      time.Duration `envconfig:"TERMINATION_GRACE" default:"3s"`
	ActionTimeout   time.Duration `envconfig:"TERMINATION_ACTION_TIMEOUT" default:"5s"`
	WorkflowTimeout time.Duration `envconfig:"WORKFLOW_TIMEOUT" default:"5s"`
	APIRequestLimit int64         `envconfig:"API_REQUEST_MAX_BYTES" default:"65536"`
}

// Prompt returns the configured system prompt or the voice-safe default.
func (c EngineConfig) Prompt() string {
	if c.SystemPrompt != "" {
		return c.SystemPrompt
	}
	return DefaultSystemPrompt
}

type ConversationConfig struct {
	TTL      string `envconfig:"CONVERSATION_TTL" default:"15m"`
	MaxTurns int    `envconfig:"CONVERSATION_MAX_TURNS" default:"40"`
}

// ProviderConfig selects which LLM vendor backs the chat and embedding models.
type ProviderConfig struct {
	Name          string `envconfig:"LLM_PROVIDER" default:"gemini"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	GeminiBaseURL string `envconfig:"GEMINI_BASE_URL"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL"`
}

type ResponseModelConfig struct {
	Model       string        `envconfig:"RESPONSE_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int           `envconfig:"RESPONSE_MAX_TOKENS" default:"512"`
	Temperature float32       `envconfig:"RESPONSE_TEMPERATURE" default:"0.4"`
	Timeout     time.Duration `envconfig:"COMPLETION_TIMEOUT" default:"30s"`
}

type ExtractionModelConfig struct {
	Model       string        `envconfig:"EXTRACTION_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int           `envconfig:"EXTRACTION_MAX_TOKENS" default:"512"`
	Temperature float32       `envconfig:"EXTRACTION_TEMPERATURE" default:"0"`
	Timeout     time.Duration `envconfig:"EXTRACTION_TIMEOUT" default:"8s"`
}

type KnowledgeConfig struct {
	EmbeddingModel   string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-004"`
	EmbeddingTimeout time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"5s"`
	RetrievalTimeout time.Duration `envconfig:"RETRIEVAL_TIMEOUT" default:"5s"`
	ProbeQuery       string        `envconfig:"KNOWLEDGE_PROBE_QUERY" default:"general information about the company, products and policies"`
	TopK             int           `envconfig:"KNOWLEDGE_TOP_K" default:"20"`
	Grounding        string        `envconfig:"KNOWLEDGE_GROUNDING" default:"all"`
	MaxEntries       int           `envconfig:"KNOWLEDGE_CACHE_MAX_ENTRIES" default:"10000"`
	RedisTTL         time.Duration `envconfig:"KNOWLEDGE_REDIS_TTL" default:"24h"`
}

type TelephonyConfig struct {
	AccountSID  string        `envconfig:"TWILIO_ACCOUNT_SID"`
	AuthToken   string        `envconfig:"TWILIO_AUTH_TOKEN"`
	PhoneNumber string        `envconfig:"TWILIO_PHONE_NUMBER"`
	BaseURL     string        `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	Timeout     time.Duration `envconfig:"TELEPHONY_TIMEOUT" default:"5s"`
}

type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	Domain          string        `envconfig:"NGROK_URL"`
	WelcomeGreeting string        `envconfig:"WELCOME_GREETING" default:"Hi! I am a voice assistant. Ask me anything!"`
	TTSProvider     string        `envconfig:"TTS_PROVIDER" default:"ElevenLabs"`
	Voice           string        `envconfig:"TTS_VOICE" default:"ZF6FPAbjXT4488VcRRnw-flash_v2_5-1.2_1.0_1.0"`
	PingInterval    time.Duration `envconfig:"WS_PING_INTERVAL" default:"20s"`
	WriteTimeout    time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	MaxMessageBytes int64         `envconfig:"WS_MAX_MESSAGE_BYTES" default:"65536"`
	ShutdownGrace   time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`
}
