package bondcast

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/bondcast/pkg/adapters/stt"
	"github.com/harunnryd/bondcast/pkg/adapters/tts"
	"github.com/harunnryd/bondcast/pkg/llm"
)

type STTFactoryBuilder func(cfg Config) (stt.Factory, error)
type TTSFactoryBuilder func(cfg Config) (tts.Factory, error)
type LLMFactory func(ctx context.Context, cfg Config) (llm.LLMAdapter, error)

type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
	tts map[string]TTSFactoryBuilder
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactoryBuilder),
		tts: make(map[string]TTSFactoryBuilder),
		llm: make(map[string]LLMFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactoryBuilder) {
	r.tts[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(cfg Config) (stt.Factory, error) {
	fn := r.stt[normalizeName(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTTSFactory(cfg Config) (tts.Factory, error) {
	fn := r.tts[normalizeName(cfg.Vendors.TTS.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(ctx context.Context, cfg Config) (llm.LLMAdapter, error) {
	fn := r.llm[normalizeName(cfg.Vendors.LLM.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}
	return fn(ctx, cfg)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
