package config

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// DefaultSystemPrompt seeds every call's conversation history unless
// SYSTEM_PROMPT overrides it. Spoken-word friendly: no markdown, no lists.
const DefaultSystemPrompt = "You are a helpful and professional AI voice assistant. " +
	"You are currently speaking on the phone. Keep your responses concise, " +
	"conversational, and natural. Do not use markdown formatting or lists, " +
	"as you are speaking. Be confident but polite."

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	DeepgramKey string
	GroqKey     string
	GroqModelID string

	SystemPrompt string

	TTSProvider       string // "deepgram" (default) or "elevenlabs"
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	TwilioAuthToken string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		if port := os.Getenv("PORT"); port != "" {
			addr = ":" + port
		} else {
			addr = ":8080"
		}
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		slog.Warn("DEEPGRAM_API_KEY not set - transcription and synthesis will not work")
	}

	groqKey := os.Getenv("GROQ_API_KEY")
	if groqKey == "" {
		slog.Warn("GROQ_API_KEY not set - reply generation will not work")
	}
	groqModel := os.Getenv("GROQ_MODEL_ID")
	if groqModel == "" {
		groqModel = "llama-3.1-8b-instant"
	}

	prompt := os.Getenv("SYSTEM_PROMPT")
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}

	ttsProvider := os.Getenv("TTS_PROVIDER")
	if ttsProvider == "" {
		ttsProvider = "deepgram"
	}
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	elevenVoice := os.Getenv("ELEVENLABS_VOICE_ID")
	if ttsProvider == "elevenlabs" && elevenKey == "" {
		slog.Warn("TTS_PROVIDER=elevenlabs but ELEVENLABS_API_KEY not set - synthesis will not work")
	}

	twilioToken := os.Getenv("TWILIO_AUTH_TOKEN")
	if twilioToken == "" {
		slog.Warn("TWILIO_AUTH_TOKEN not set - Twilio webhook signatures will not be verified")
	}

	slog.Info("config loaded", "http_address", addr, "groq_model", groqModel, "tts_provider", ttsProvider)
	return Config{
		HTTPAddress:        addr,
		DeepgramKey:        deepgramKey,
		GroqKey:            groqKey,
		GroqModelID:        groqModel,
		SystemPrompt:       prompt,
		TTSProvider:        ttsProvider,
		ElevenLabsKey:      elevenKey,
		ElevenLabsVoiceID:  elevenVoice,
		TwilioAuthToken:    twilioToken,
		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     os.Getenv("SUPABASE_BUCKET"),
	}
}
