package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/translate"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrProviderNotRegistered means a [ProviderEntry] names a backend nothing
// registered.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a backend from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

type factories[T any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]Factory[T]
}

func (f *factories[T]) set(name string, fn Factory[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]Factory[T])
	}
	f.m[name] = fn
}

func (f *factories[T]) build(e ProviderEntry) (T, error) {
	f.mu.RLock()
	fn, ok := f.m[e.Name]
	f.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, e.Name)
	}
	return fn(e)
}

func (f *factories[T]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.m))
}

// Registry holds the backend factories of every pipeline stage, keyed by the
// names used in the providers section. Registering a name again replaces it.
type Registry struct {
	stt       factories[stt.Provider]
	translate factories[translate.Provider]
	llm       factories[llm.Provider]
	tts       factories[tts.Provider]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.stt.kind, r.translate.kind, r.llm.kind, r.tts.kind = "stt", "translate", "llm", "tts"
	return r
}

func (r *Registry) RegisterSTT(name string, fn Factory[stt.Provider]) { r.stt.set(name, fn) }
func (r *Registry) RegisterLLM(name string, fn Factory[llm.Provider]) { r.llm.set(name, fn) }
func (r *Registry) RegisterTTS(name string, fn Factory[tts.Provider]) { r.tts.set(name, fn) }

func (r *Registry) RegisterTranslate(name string, fn Factory[translate.Provider]) {
	r.translate.set(name, fn)
}

// CreateSTT and its siblings build the backend registered under e.Name or
// fail with [ErrProviderNotRegistered].
func (r *Registry) CreateSTT(e ProviderEntry) (stt.Provider, error) { return r.stt.build(e) }

func (r *Registry) CreateTranslate(e ProviderEntry) (translate.Provider, error) {
	return r.translate.build(e)
}

func (r *Registry) CreateLLM(e ProviderEntry) (llm.Provider, error) { return r.llm.build(e) }
func (r *Registry) CreateTTS(e ProviderEntry) (tts.Provider, error) { return r.tts.build(e) }

// Names lists the registered backends of one stage ("stt", "translate",
// "llm" or "tts") in sorted order.
func (r *Registry) Names(stage string) []string {
	switch stage {
	case "stt":
		return r.stt.names()
	case "translate":
		return r.translate.names()
	case "llm":
		return r.llm.names()
	case "tts":
		return r.tts.names()
	}
	return nil
}
