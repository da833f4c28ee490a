package app

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lukasbauer/rehearsal/internal/costs"
	"github.com/lukasbauer/rehearsal/internal/engine"
	"github.com/lukasbauer/rehearsal/internal/stt"
	"github.com/lukasbauer/rehearsal/internal/vad"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string
	LogLevel      string
	SentryDSN     string
	Environment   string
	CORSOrigins   []string

	// Voice AI providers
	DeepgramAPIKey   string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	ElevenLabsAPIKey string

	// Recognition
	Language           string
	DeepgramModel      string
	STTEndpointingMs   int
	STTUtteranceEndMs  int
	STTMaxReconnects   int
	BatchTranscription bool
	WhisperModel       string

	// Classification
	ClassifierModel    string
	ClassifierMinWords int
	ClassifierTimeout  time.Duration

	// Voice settings
	TTSVoiceID    string // ElevenLabs voice ID
	TTSModelID    string
	TTSStability  float64
	TTSSimilarity float64
	TTSMaxRetries int
	EspeakBinary  string
	EspeakVoice   string
	NudgeText     string

	// Turn policy
	MinAnswerWords    int
	MaxSilenceRefires int
	SilenceThreshold  float64
	SilenceStreak     time.Duration
	SilenceInterval   time.Duration
	ThinkingPause     time.Duration
	ConfirmTimeout    time.Duration
	BatchTimeout      time.Duration

	// Voice activity detection
	VADKind      string
	VADModelPath string
	VADPositive  float64
	VADNegative  float64

	// JWT Authentication
	JWTSecret string

	// Archive retention, 0 keeps turns forever
	Retention         time.Duration
	RetentionInterval time.Duration

	Pricing costs.Pricing
}

// LoadConfigFromEnv reads configuration from the environment, after loading
// a .env file from the working directory when one exists.
func LoadConfigFromEnv() Config {
	_ = godotenv.Load()
	return configFrom(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	policy := engine.DefaultConfig()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SENTRY_DSN", "")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("CORS_ORIGINS", "")

	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("LANGUAGE", "en")
	v.SetDefault("DEEPGRAM_MODEL", "nova-3")
	v.SetDefault("STT_ENDPOINTING_MS", 300)
	v.SetDefault("STT_UTTERANCE_END_MS", 1000)
	v.SetDefault("STT_MAX_RECONNECTS", policy.STT.MaxReconnects)
	v.SetDefault("BATCH_TRANSCRIPTION", true)
	v.SetDefault("WHISPER_MODEL", "whisper-1")

	v.SetDefault("CLASSIFIER_MODEL", "gpt-4o-mini")
	v.SetDefault("CLASSIFIER_MIN_WORDS", policy.Classifier.MinWords)
	v.SetDefault("CLASSIFIER_TIMEOUT", policy.Classifier.Timeout)

	v.SetDefault("TTS_VOICE_ID", "")
	v.SetDefault("TTS_MODEL_ID", "eleven_flash_v2_5")
	v.SetDefault("TTS_STABILITY", -1)
	v.SetDefault("TTS_SIMILARITY", -1)
	v.SetDefault("TTS_MAX_RETRIES", 2)
	v.SetDefault("ESPEAK_BINARY", "espeak-ng")
	v.SetDefault("ESPEAK_VOICE", "en-us")
	v.SetDefault("NUDGE_TEXT", policy.NudgeText)

	v.SetDefault("MIN_ANSWER_WORDS", policy.MinAnswerWords)
	v.SetDefault("MAX_SILENCE_REFIRES", policy.MaxSilenceRefires)
	v.SetDefault("SILENCE_THRESHOLD", policy.Silence.Threshold)
	v.SetDefault("SILENCE_STREAK", policy.Silence.StreakDuration)
	v.SetDefault("SILENCE_SAMPLE_INTERVAL", policy.Silence.Interval)
	v.SetDefault("THINKING_PAUSE", policy.ThinkingPause)
	v.SetDefault("CONFIRM_TIMEOUT", policy.ConfirmTimeout)
	v.SetDefault("BATCH_TIMEOUT", policy.BatchTimeout)

	v.SetDefault("VAD_KIND", vad.DefaultClassifierConfig.Kind)
	v.SetDefault("VAD_MODEL_PATH", "")
	v.SetDefault("VAD_POSITIVE_THRESHOLD", float64(policy.VAD.PositiveThreshold))
	v.SetDefault("VAD_NEGATIVE_THRESHOLD", float64(policy.VAD.NegativeThreshold))

	v.SetDefault("JWT_SECRET", "")

	v.SetDefault("RETENTION", 90*24*time.Hour)
	v.SetDefault("RETENTION_INTERVAL", time.Hour)

	v.SetDefault("PRICE_DEEPGRAM_CENTS_PER_MINUTE", costs.DefaultPricing.DeepgramCentsPerMinute)
	v.SetDefault("PRICE_WHISPER_CENTS_PER_MINUTE", costs.DefaultPricing.WhisperCentsPerMinute)
	v.SetDefault("PRICE_OPENAI_INPUT_CENTS_PER_1K", costs.DefaultPricing.OpenAICentsPerThousandInputTokens)
	v.SetDefault("PRICE_OPENAI_OUTPUT_CENTS_PER_1K", costs.DefaultPricing.OpenAICentsPerThousandOutputTokens)
	v.SetDefault("PRICE_ELEVENLABS_CENTS_PER_1K_CHARS", costs.DefaultPricing.ElevenLabsCentsPerThousandChars)
}

func configFrom(v *viper.Viper) Config {
	return Config{
		HTTPAddr:      v.GetString("HTTP_ADDR"),
		PublicBaseURL: v.GetString("PUBLIC_BASE_URL"),
		DatabaseURL:   v.GetString("DATABASE_URL"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		SentryDSN:     v.GetString("SENTRY_DSN"),
		Environment:   v.GetString("ENVIRONMENT"),
		CORSOrigins:   parseList(v.GetString("CORS_ORIGINS")),

		DeepgramAPIKey:   v.GetString("DEEPGRAM_API_KEY"),
		OpenAIAPIKey:     v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:    v.GetString("OPENAI_BASE_URL"),
		ElevenLabsAPIKey: v.GetString("ELEVENLABS_API_KEY"),

		Language:           v.GetString("LANGUAGE"),
		DeepgramModel:      v.GetString("DEEPGRAM_MODEL"),
		STTEndpointingMs:   clampInt(v.GetInt("STT_ENDPOINTING_MS"), 10, 5000),
		STTUtteranceEndMs:  clampInt(v.GetInt("STT_UTTERANCE_END_MS"), 1000, 5000),
		STTMaxReconnects:   clampInt(v.GetInt("STT_MAX_RECONNECTS"), 0, 10),
		BatchTranscription: v.GetBool("BATCH_TRANSCRIPTION"),
		WhisperModel:       v.GetString("WHISPER_MODEL"),

		ClassifierModel:    v.GetString("CLASSIFIER_MODEL"),
		ClassifierMinWords: clampInt(v.GetInt("CLASSIFIER_MIN_WORDS"), 1, 100),
		ClassifierTimeout:  v.GetDuration("CLASSIFIER_TIMEOUT"),

		TTSVoiceID:    v.GetString("TTS_VOICE_ID"),
		TTSModelID:    v.GetString("TTS_MODEL_ID"),
		TTSStability:  v.GetFloat64("TTS_STABILITY"),
		TTSSimilarity: v.GetFloat64("TTS_SIMILARITY"),
		TTSMaxRetries: clampInt(v.GetInt("TTS_MAX_RETRIES"), 0, 5),
		EspeakBinary:  v.GetString("ESPEAK_BINARY"),
		EspeakVoice:   v.GetString("ESPEAK_VOICE"),
		NudgeText:     v.GetString("NUDGE_TEXT"),

		MinAnswerWords:    clampInt(v.GetInt("MIN_ANSWER_WORDS"), 0, 200),
		MaxSilenceRefires: clampInt(v.GetInt("MAX_SILENCE_REFIRES"), 1, 50),
		SilenceThreshold:  v.GetFloat64("SILENCE_THRESHOLD"),
		SilenceStreak:     v.GetDuration("SILENCE_STREAK"),
		SilenceInterval:   v.GetDuration("SILENCE_SAMPLE_INTERVAL"),
		ThinkingPause:     v.GetDuration("THINKING_PAUSE"),
		ConfirmTimeout:    v.GetDuration("CONFIRM_TIMEOUT"),
		BatchTimeout:      v.GetDuration("BATCH_TIMEOUT"),

		VADKind:      v.GetString("VAD_KIND"),
		VADModelPath: v.GetString("VAD_MODEL_PATH"),
		VADPositive:  v.GetFloat64("VAD_POSITIVE_THRESHOLD"),
		VADNegative:  v.GetFloat64("VAD_NEGATIVE_THRESHOLD"),

		JWTSecret: v.GetString("JWT_SECRET"), // Required - no fallback for security

		Retention:         v.GetDuration("RETENTION"),
		RetentionInterval: v.GetDuration("RETENTION_INTERVAL"),

		Pricing: costs.Pricing{
			DeepgramCentsPerMinute:             v.GetFloat64("PRICE_DEEPGRAM_CENTS_PER_MINUTE"),
			WhisperCentsPerMinute:              v.GetFloat64("PRICE_WHISPER_CENTS_PER_MINUTE"),
			OpenAICentsPerThousandInputTokens:  v.GetFloat64("PRICE_OPENAI_INPUT_CENTS_PER_1K"),
			OpenAICentsPerThousandOutputTokens: v.GetFloat64("PRICE_OPENAI_OUTPUT_CENTS_PER_1K"),
			ElevenLabsCentsPerThousandChars:    v.GetFloat64("PRICE_ELEVENLABS_CENTS_PER_1K_CHARS"),
		},
	}
}

// EngineConfig maps the turn policy onto the orchestrator's configuration.
func (c Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.MinAnswerWords = c.MinAnswerWords
	ec.MaxSilenceRefires = c.MaxSilenceRefires
	ec.ThinkingPause = c.ThinkingPause
	ec.ConfirmTimeout = c.ConfirmTimeout
	ec.BatchTimeout = c.BatchTimeout
	if c.NudgeText != "" {
		ec.NudgeText = c.NudgeText
	}
	ec.Voice = c.TTSVoiceID

	if c.SilenceThreshold > 0 {
		ec.Silence.Threshold = c.SilenceThreshold
	}
	if c.SilenceStreak > 0 {
		ec.Silence.StreakDuration = c.SilenceStreak
	}
	if c.SilenceInterval > 0 {
		ec.Silence.Interval = c.SilenceInterval
	}

	if c.VADPositive > 0 && c.VADNegative > 0 && c.VADNegative <= c.VADPositive {
		ec.VAD.PositiveThreshold = float32(c.VADPositive)
		ec.VAD.NegativeThreshold = float32(c.VADNegative)
	}

	ec.Classifier.MinWords = c.ClassifierMinWords
	if c.ClassifierTimeout > 0 {
		ec.Classifier.Timeout = c.ClassifierTimeout
	}
	ec.STT = stt.DefaultSessionConfig
	ec.STT.MaxReconnects = c.STTMaxReconnects
	return ec
}

// VADClassifier returns the frame classifier selection.
func (c Config) VADClassifier() vad.ClassifierConfig {
	vc := vad.DefaultClassifierConfig
	if c.VADKind != "" {
		vc.Kind = c.VADKind
	}
	vc.ModelPath = c.VADModelPath
	return vc
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clampInt(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
