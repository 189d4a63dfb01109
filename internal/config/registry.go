package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/podiumlabs/lectern/pkg/embeddings"
	"github.com/podiumlabs/lectern/pkg/recognizer"
)

// ErrProviderNotRegistered is returned by the Create methods when the named
// provider has no registered factory.
var ErrProviderNotRegistered = errors.New("provider not registered")

// RecognizerFactory builds a recognizer provider from its config block.
type RecognizerFactory func(cfg RecognizerConfig) (recognizer.Provider, error)

// EmbeddingsFactory builds an embeddings provider from its config block.
type EmbeddingsFactory func(cfg EmbeddingsConfig) (embeddings.Provider, error)

// Registry maps provider names to factories. The built-in factories are
// registered in main; tests register scripted mocks.
type Registry struct {
	mu          sync.RWMutex
	recognizers map[string]RecognizerFactory
	embedders   map[string]EmbeddingsFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		recognizers: make(map[string]RecognizerFactory),
		embedders:   make(map[string]EmbeddingsFactory),
	}
}

// RegisterRecognizer registers a recognizer factory under name, replacing
// any previous registration.
func (r *Registry) RegisterRecognizer(name string, f RecognizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = f
}

// RegisterEmbeddings registers an embeddings factory under name, replacing
// any previous registration.
func (r *Registry) RegisterEmbeddings(name string, f EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedders[name] = f
}

// CreateRecognizer builds the recognizer provider named in cfg.
func (r *Registry) CreateRecognizer(cfg RecognizerConfig) (recognizer.Provider, error) {
	r.mu.RLock()
	f, ok := r.recognizers[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: recognizer %q: %w", cfg.Provider, ErrProviderNotRegistered)
	}
	return f(cfg)
}

// CreateEmbeddings builds the embeddings provider named in cfg.
func (r *Registry) CreateEmbeddings(cfg EmbeddingsConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	f, ok := r.embedders[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: embeddings %q: %w", cfg.Provider, ErrProviderNotRegistered)
	}
	return f(cfg)
}
