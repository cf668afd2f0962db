package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/receta/receta/internal/platform/kv"
)

// ProfileStore keeps the single practitioner profile reused across sessions.
type ProfileStore interface {
	Load(ctx context.Context) (Doctor, error)
	Save(ctx context.Context, d Doctor) error
}

const profileKey = "doctor_profile"

type KVProfileStore struct {
	kv kv.KV
}

func NewKVProfileStore(store kv.KV) *KVProfileStore {
	return &KVProfileStore{kv: store}
}

// Load returns the saved profile, or a zero Doctor when none was saved.
func (s *KVProfileStore) Load(ctx context.Context) (Doctor, error) {
	raw, err := s.kv.Get(ctx, profileKey)
	if errors.Is(err, kv.ErrMiss) {
		return Doctor{}, nil
	}
	if err != nil {
		return Doctor{}, fmt.Errorf("load profile: %w", err)
	}
	var d Doctor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Doctor{}, fmt.Errorf("decode profile: %w", err)
	}
	return d, nil
}

func (s *KVProfileStore) Save(ctx context.Context, d Doctor) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := s.kv.Set(ctx, profileKey, string(raw), 0); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}
