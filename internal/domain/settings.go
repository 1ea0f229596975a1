package domain

// Valid ranges for generation settings. Values outside these ranges are
// rejected by validation and projected back in by clamping.
const (
	MinTemperature   = 0.0
	MaxTemperature   = 2.0
	MinTopP          = 0.0
	MaxTopP          = 1.0
	MinTopK          = 1
	MaxTopK          = 100
	MinRepeatPenalty = 0.5
	MaxRepeatPenalty = 2.0
	// MaxTokensUnlimited disables the token cap entirely.
	MaxTokensUnlimited = -1
	MinMaxTokens       = 1
	MaxMaxTokens       = 4096
	MinNumThread       = 1
	MaxNumThread       = 16
)

// GenerationSettings are the tunable parameters for a generation request.
type GenerationSettings struct {
	Temperature   float64 `json:"temperature" yaml:"temperature"`
	TopP          float64 `json:"top_p" yaml:"top_p"`
	TopK          int     `json:"top_k" yaml:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty" yaml:"repeat_penalty"`
	MaxTokens     int     `json:"max_tokens" yaml:"max_tokens"` // -1 = unlimited
	NumThread     int     `json:"num_thread" yaml:"num_thread"`
}

// DefaultGenerationSettings is the canonical baseline. Backend parameters are
// serialized only for fields that differ from this instance.
func DefaultGenerationSettings() GenerationSettings {
	return GenerationSettings{
		Temperature:   0.7,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.1,
		MaxTokens:     MaxTokensUnlimited,
		NumThread:     4,
	}
}

// RawGenerationSettings mirrors GenerationSettings with pointer fields so a
// persisted structure with missing or corrupt fields can be repaired
// field-by-field instead of being discarded wholesale.
type RawGenerationSettings struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	NumThread     *int     `json:"num_thread,omitempty"`
}

// Repair converts a raw persisted structure into valid settings. Each field
// falls back to its default independently when missing or out of range; the
// returned slice names the fields that were repaired.
func (r RawGenerationSettings) Repair() (GenerationSettings, []string) {
	def := DefaultGenerationSettings()
	out := def
	var repaired []string

	if r.Temperature != nil && *r.Temperature >= MinTemperature && *r.Temperature <= MaxTemperature {
		out.Temperature = *r.Temperature
	} else {
		repaired = append(repaired, "temperature")
	}
	if r.TopP != nil && *r.TopP >= MinTopP && *r.TopP <= MaxTopP {
		out.TopP = *r.TopP
	} else {
		repaired = append(repaired, "top_p")
	}
	if r.TopK != nil && *r.TopK >= MinTopK && *r.TopK <= MaxTopK {
		out.TopK = *r.TopK
	} else {
		repaired = append(repaired, "top_k")
	}
	if r.RepeatPenalty != nil && *r.RepeatPenalty >= MinRepeatPenalty && *r.RepeatPenalty <= MaxRepeatPenalty {
		out.RepeatPenalty = *r.RepeatPenalty
	} else {
		repaired = append(repaired, "repeat_penalty")
	}
	if r.MaxTokens != nil && (*r.MaxTokens == MaxTokensUnlimited || (*r.MaxTokens >= MinMaxTokens && *r.MaxTokens <= MaxMaxTokens)) {
		out.MaxTokens = *r.MaxTokens
	} else {
		repaired = append(repaired, "max_tokens")
	}
	if r.NumThread != nil && *r.NumThread >= MinNumThread && *r.NumThread <= MaxNumThread {
		out.NumThread = *r.NumThread
	} else {
		repaired = append(repaired, "num_thread")
	}
	return out, repaired
}
