package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

func TestResolveEffectiveGlobalFallback(t *testing.T) {
	s := NewSettingsService()
	global := domain.DefaultGenerationSettings()
	global.Temperature = 1.5

	assert.Equal(t, global, s.ResolveEffective(nil, global))

	conv := domain.NewConversation("llama2", "")
	assert.Equal(t, global, s.ResolveEffective(conv, global), "no override resolves to global")
}

func TestResolveEffectiveOverride(t *testing.T) {
	s := NewSettingsService()
	global := domain.DefaultGenerationSettings()

	conv := domain.NewConversation("llama2", "")
	override := domain.DefaultGenerationSettings()
	override.Temperature = 0.2
	conv.Settings = &override

	got := s.ResolveEffective(conv, global)
	assert.Equal(t, 0.2, got.Temperature)
}

func TestResolveCacheTracksOverrideChanges(t *testing.T) {
	s := NewSettingsService()
	global := domain.DefaultGenerationSettings()

	conv := domain.NewConversation("llama2", "")
	override := domain.DefaultGenerationSettings()
	override.Temperature = 0.2
	conv.Settings = &override

	assert.Equal(t, 0.2, s.ResolveEffective(conv, global).Temperature)

	// Mutating the override must never serve the stale cached resolution.
	changed := override
	changed.Temperature = 1.9
	conv.Settings = &changed
	assert.Equal(t, 1.9, s.ResolveEffective(conv, global).Temperature)

	s.Invalidate(conv.ID)
	assert.Equal(t, 1.9, s.ResolveEffective(conv, global).Temperature)
}

func TestValidationErrorsEnumerateEveryField(t *testing.T) {
	s := NewSettingsService()
	bad := domain.GenerationSettings{
		Temperature:   3.0,
		TopP:          -0.1,
		TopK:          0,
		RepeatPenalty: 9.0,
		MaxTokens:     -5,
		NumThread:     99,
	}

	errs := s.ValidationErrors(bad)
	require.Len(t, errs, 6, "every out-of-range field must be reported")
	assert.False(t, s.Validate(bad))
	assert.True(t, s.Validate(domain.DefaultGenerationSettings()))
}

func TestMaxTokensUnlimitedIsValid(t *testing.T) {
	s := NewSettingsService()
	settings := domain.DefaultGenerationSettings()
	settings.MaxTokens = domain.MaxTokensUnlimited
	assert.True(t, s.Validate(settings))
}

func TestClampIdempotent(t *testing.T) {
	s := NewSettingsService()
	bad := domain.GenerationSettings{
		Temperature:   3.0,
		TopP:          -0.1,
		TopK:          500,
		RepeatPenalty: 0.1,
		MaxTokens:     100000,
		NumThread:     0,
	}

	once := s.Clamp(bad)
	require.True(t, s.Validate(once), "clamped settings must validate")
	assert.Equal(t, 2.0, once.Temperature)
	assert.Equal(t, 0.0, once.TopP)
	assert.Equal(t, 100, once.TopK)
	assert.Equal(t, 0.5, once.RepeatPenalty)
	assert.Equal(t, 4096, once.MaxTokens)
	assert.Equal(t, 1, once.NumThread)

	assert.Equal(t, once, s.Clamp(once), "clamp must be idempotent")
}

func TestClampKeepsUnlimitedTokens(t *testing.T) {
	s := NewSettingsService()
	settings := domain.DefaultGenerationSettings()
	settings.MaxTokens = domain.MaxTokensUnlimited
	assert.Equal(t, domain.MaxTokensUnlimited, s.Clamp(settings).MaxTokens)
}

func TestBuildBackendParametersDefaultsAreEmpty(t *testing.T) {
	s := NewSettingsService()
	params := s.BuildBackendParameters(domain.DefaultGenerationSettings(), 4096)
	assert.Empty(t, params, "defaults serialize to an empty option map")
}

func TestBuildBackendParametersOnlyChangedKeys(t *testing.T) {
	s := NewSettingsService()
	settings := domain.DefaultGenerationSettings()
	settings.Temperature = 0.8

	params := s.BuildBackendParameters(settings, 4096)
	require.Len(t, params, 1)
	assert.Equal(t, 0.8, params["temperature"])
}

func TestBuildBackendParametersTokensAndContext(t *testing.T) {
	s := NewSettingsService()
	settings := domain.DefaultGenerationSettings()
	settings.MaxTokens = 256

	params := s.BuildBackendParameters(settings, 8192)
	assert.Equal(t, 256, params["num_predict"])
	assert.Equal(t, 8192, params["num_ctx"])

	// Unlimited tokens and backend-default context are both omitted.
	settings.MaxTokens = domain.MaxTokensUnlimited
	params = s.BuildBackendParameters(settings, 4096)
	assert.NotContains(t, params, "num_predict")
	assert.NotContains(t, params, "num_ctx")
}
