package usecase

import (
	"fmt"
	"sync"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

// backendDefaultContextLength is the context window the backend uses when no
// num_ctx option is sent; matching values are omitted from the parameter map.
const backendDefaultContextLength = 4096

// SettingsService resolves effective generation parameters for a
// conversation, validates and clamps them, and builds the backend parameter
// map. Stateless aside from a per-conversation resolution cache.
type SettingsService struct {
	mu    sync.Mutex
	cache map[string]cachedResolution
}

type cachedResolution struct {
	override domain.GenerationSettings // input the entry was derived from
	resolved domain.GenerationSettings
}

// NewSettingsService creates a settings service.
func NewSettingsService() *SettingsService {
	return &SettingsService{cache: make(map[string]cachedResolution)}
}

// ResolveEffective returns the conversation's override when present, else
// the global settings. A nil conversation resolves to the globals.
func (s *SettingsService) ResolveEffective(conv *domain.Conversation, global domain.GenerationSettings) domain.GenerationSettings {
	if conv == nil || conv.Settings == nil {
		return global
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The cache entry is only trusted when the override it was derived from
	// is still the conversation's current override.
	if entry, ok := s.cache[conv.ID]; ok && entry.override == *conv.Settings {
		return entry.resolved
	}
	resolved := *conv.Settings
	s.cache[conv.ID] = cachedResolution{override: *conv.Settings, resolved: resolved}
	return resolved
}

// Invalidate drops the cached resolution for a conversation. Called whenever
// its override changes or the conversation is deleted.
func (s *SettingsService) Invalidate(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, conversationID)
}

// Validate reports whether every field of s is within its valid range.
func (s *SettingsService) Validate(settings domain.GenerationSettings) bool {
	return len(s.ValidationErrors(settings)) == 0
}

// ValidationErrors enumerates every out-of-range field.
func (s *SettingsService) ValidationErrors(settings domain.GenerationSettings) []string {
	var errs []string
	if settings.Temperature < domain.MinTemperature || settings.Temperature > domain.MaxTemperature {
		errs = append(errs, fmt.Sprintf("temperature %.2f out of range [%.1f, %.1f]",
			settings.Temperature, domain.MinTemperature, domain.MaxTemperature))
	}
	if settings.TopP < domain.MinTopP || settings.TopP > domain.MaxTopP {
		errs = append(errs, fmt.Sprintf("top_p %.2f out of range [%.1f, %.1f]",
			settings.TopP, domain.MinTopP, domain.MaxTopP))
	}
	if settings.TopK < domain.MinTopK || settings.TopK > domain.MaxTopK {
		errs = append(errs, fmt.Sprintf("top_k %d out of range [%d, %d]",
			settings.TopK, domain.MinTopK, domain.MaxTopK))
	}
	if settings.RepeatPenalty < domain.MinRepeatPenalty || settings.RepeatPenalty > domain.MaxRepeatPenalty {
		errs = append(errs, fmt.Sprintf("repeat_penalty %.2f out of range [%.1f, %.1f]",
			settings.RepeatPenalty, domain.MinRepeatPenalty, domain.MaxRepeatPenalty))
	}
	if settings.MaxTokens != domain.MaxTokensUnlimited &&
		(settings.MaxTokens < domain.MinMaxTokens || settings.MaxTokens > domain.MaxMaxTokens) {
		errs = append(errs, fmt.Sprintf("max_tokens %d out of range (-1 or [%d, %d])",
			settings.MaxTokens, domain.MinMaxTokens, domain.MaxMaxTokens))
	}
	if settings.NumThread < domain.MinNumThread || settings.NumThread > domain.MaxNumThread {
		errs = append(errs, fmt.Sprintf("num_thread %d out of range [%d, %d]",
			settings.NumThread, domain.MinNumThread, domain.MaxNumThread))
	}
	return errs
}

// Clamp projects every field into its valid range independently. It never
// fails and is idempotent.
func (s *SettingsService) Clamp(settings domain.GenerationSettings) domain.GenerationSettings {
	out := settings
	out.Temperature = clampFloat(out.Temperature, domain.MinTemperature, domain.MaxTemperature)
	out.TopP = clampFloat(out.TopP, domain.MinTopP, domain.MaxTopP)
	out.TopK = clampInt(out.TopK, domain.MinTopK, domain.MaxTopK)
	out.RepeatPenalty = clampFloat(out.RepeatPenalty, domain.MinRepeatPenalty, domain.MaxRepeatPenalty)
	if out.MaxTokens != domain.MaxTokensUnlimited {
		out.MaxTokens = clampInt(out.MaxTokens, domain.MinMaxTokens, domain.MaxMaxTokens)
	}
	out.NumThread = clampInt(out.NumThread, domain.MinNumThread, domain.MaxNumThread)
	return out
}

// BuildBackendParameters serializes settings into a backend option map.
// A key is included only when its value differs from the defaults instance,
// so a default run sends an empty map and the map itself documents what the
// user actually changed. num_ctx is included only when contextLength differs
// from the backend's own default; an unlimited token cap is omitted entirely.
// Streaming selection travels on the request itself, not the option map.
func (s *SettingsService) BuildBackendParameters(settings domain.GenerationSettings, contextLength int) map[string]any {
	def := domain.DefaultGenerationSettings()
	params := make(map[string]any)

	if settings.Temperature != def.Temperature {
		params["temperature"] = settings.Temperature
	}
	if settings.TopP != def.TopP {
		params["top_p"] = settings.TopP
	}
	if settings.TopK != def.TopK {
		params["top_k"] = settings.TopK
	}
	if settings.RepeatPenalty != def.RepeatPenalty {
		params["repeat_penalty"] = settings.RepeatPenalty
	}
	if settings.MaxTokens != def.MaxTokens && settings.MaxTokens != domain.MaxTokensUnlimited {
		params["num_predict"] = settings.MaxTokens
	}
	if settings.NumThread != def.NumThread {
		params["num_thread"] = settings.NumThread
	}
	if contextLength > 0 && contextLength != backendDefaultContextLength {
		params["num_ctx"] = contextLength
	}
	return params
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
