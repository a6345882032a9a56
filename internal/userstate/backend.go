package userstate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Backend persists per-user snapshots. Save must ignore a snapshot whose
// Version is not newer than the stored one.
type Backend interface {
	LoadAll(ctx context.Context) ([]UserState, error)
	Save(ctx context.Context, state UserState) error
}

type backendCloser interface {
	Close() error
}

type InMemoryBackend struct {
	mu     sync.Mutex
	states map[string]UserState
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{states: map[string]UserState{}}
}

func (b *InMemoryBackend) LoadAll(context.Context) ([]UserState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedStates(b.states), nil
}

func (b *InMemoryBackend) Save(_ context.Context, state UserState) error {
	if strings.TrimSpace(state.UserID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.states[state.UserID]; ok && current.Version >= state.Version {
		return nil
	}
	b.states[state.UserID] = state.Clone()
	return nil
}

// JSONFileBackend keeps every snapshot in one JSON document, rewritten through
// a temp file and rename on each save.
type JSONFileBackend struct {
	Path string

	mu     sync.Mutex
	loaded bool
	states map[string]UserState
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) LoadAll(context.Context) ([]UserState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	return sortedStates(b.states), nil
}

func (b *JSONFileBackend) Save(_ context.Context, state UserState) error {
	if strings.TrimSpace(state.UserID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	if current, ok := b.states[state.UserID]; ok && current.Version >= state.Version {
		return nil
	}
	b.states[state.UserID] = state.Clone()
	return b.writeLocked()
}

func (b *JSONFileBackend) loadLocked() error {
	if b.loaded {
		return nil
	}
	if b.Path == "" {
		return ErrInvalidInput
	}
	b.states = map[string]UserState{}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loaded = true
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &b.states); err != nil {
		return err
	}
	b.loaded = true
	return nil
}

func (b *JSONFileBackend) writeLocked() error {
	data, err := json.Marshal(b.states)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func sortedStates(in map[string]UserState) []UserState {
	out := make([]UserState, 0, len(in))
	for _, s := range in {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
