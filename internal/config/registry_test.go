package config

import (
	"errors"
	"testing"

	embedmock "github.com/helixdesk/cortex/pkg/provider/embeddings/mock"
	"github.com/helixdesk/cortex/pkg/provider/embeddings"
	"github.com/helixdesk/cortex/pkg/provider/llm"
	llmmock "github.com/helixdesk/cortex/pkg/provider/llm/mock"
)

func TestRegistryCreateLLM(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("mock", func(entry ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	p, err := r.CreateLLM(ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
}

func TestRegistryCreateEmbeddings(t *testing.T) {
	r := NewRegistry()
	r.RegisterEmbeddings("mock", func(entry ProviderEntry) (embeddings.Provider, error) {
		return &embedmock.Provider{DimensionsValue: 8}, nil
	})

	p, err := r.CreateEmbeddings(ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateEmbeddings: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
}

func TestRegistryUnregisteredName(t *testing.T) {
	r := NewRegistry()
	if _, err := r.CreateLLM(ProviderEntry{Name: "ghost"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateEmbeddings(ProviderEntry{Name: "ghost"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistryOverwrite(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("mock", func(ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("old factory")
	})
	r.RegisterLLM("mock", func(ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	if _, err := r.CreateLLM(ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateLLM after overwrite: %v", err)
	}
}
