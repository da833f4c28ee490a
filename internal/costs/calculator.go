// Package costs provides cost calculation for provider usage of a turn.
package costs

// Pricing holds provider rates in cents per unit. Defaults are 2026 list
// prices; app config can override each rate.
type Pricing struct {
	// DeepgramCentsPerMinute is streaming STT (Nova-3).
	// Default: $0.0077/min = 0.77 cents/min
	DeepgramCentsPerMinute float64

	// WhisperCentsPerMinute is batch transcription of the recording.
	// Default: $0.006/min = 0.6 cents/min
	WhisperCentsPerMinute float64

	// OpenAICentsPerThousandInputTokens is GPT-4o-mini input.
	// Default: $0.15/1M = 0.015 cents/1K tokens
	OpenAICentsPerThousandInputTokens float64

	// OpenAICentsPerThousandOutputTokens is GPT-4o-mini output.
	// Default: $0.60/1M = 0.06 cents/1K tokens
	OpenAICentsPerThousandOutputTokens float64

	// ElevenLabsCentsPerThousandChars is TTS.
	// Default: $0.18/1K chars = 18 cents/1K chars
	ElevenLabsCentsPerThousandChars float64
}

var DefaultPricing = Pricing{
	DeepgramCentsPerMinute:             0.77,
	WhisperCentsPerMinute:              0.6,
	OpenAICentsPerThousandInputTokens:  0.015,
	OpenAICentsPerThousandOutputTokens: 0.06,
	ElevenLabsCentsPerThousandChars:    18.0,
}

// TurnMetrics contains the raw usage of one turn.
type TurnMetrics struct {
	STTSeconds      float64 // Audio streamed to the recognizer
	BatchSeconds    float64 // Audio re-transcribed after the turn
	LLMInputTokens  int     // Classifier prompt tokens
	LLMOutputTokens int     // Classifier completion tokens
	TTSCharacters   int     // Question and nudge text spoken
}

// TurnCosts contains the calculated costs for a turn in cents.
type TurnCosts struct {
	STTCostCents   int `json:"stt_cost_cents"`
	BatchCostCents int `json:"batch_cost_cents"`
	LLMCostCents   int `json:"llm_cost_cents"`
	TTSCostCents   int `json:"tts_cost_cents"`
	TotalCostCents int `json:"total_cost_cents"`
}

// CalculateTurnCosts computes the costs for a turn based on usage metrics.
func (p Pricing) CalculateTurnCosts(m TurnMetrics) TurnCosts {
	sttCents := (m.STTSeconds / 60.0) * p.DeepgramCentsPerMinute
	batchCents := (m.BatchSeconds / 60.0) * p.WhisperCentsPerMinute

	// LLM costs: per 1K tokens
	llmInputCents := (float64(m.LLMInputTokens) / 1000.0) * p.OpenAICentsPerThousandInputTokens
	llmOutputCents := (float64(m.LLMOutputTokens) / 1000.0) * p.OpenAICentsPerThousandOutputTokens

	// TTS costs: per 1K characters
	ttsCents := (float64(m.TTSCharacters) / 1000.0) * p.ElevenLabsCentsPerThousandChars

	// Round each line to the nearest cent (we store as integers)
	c := TurnCosts{
		STTCostCents:   roundToInt(sttCents),
		BatchCostCents: roundToInt(batchCents),
		LLMCostCents:   roundToInt(llmInputCents + llmOutputCents),
		TTSCostCents:   roundToInt(ttsCents),
	}
	c.TotalCostCents = c.STTCostCents + c.BatchCostCents + c.LLMCostCents + c.TTSCostCents
	return c
}

// CalculateTurnCosts prices m at DefaultPricing.
func CalculateTurnCosts(m TurnMetrics) TurnCosts {
	return DefaultPricing.CalculateTurnCosts(m)
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}
