package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gopkg.in/yaml.v3"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// Contact is a recipient's address on one channel.
type Contact struct {
	Address  string `json:"address" yaml:"address"`
	Verified bool   `json:"verified" yaml:"verified"`
}

// Preferences lists the channels a recipient opted into, in the order they
// prefer, and the contact points they have registered.
type Preferences struct {
	Channels []model.Channel           `json:"channels" yaml:"channels"`
	Contacts map[model.Channel]Contact `json:"contacts" yaml:"contacts"`
}

// Address returns the contact point for ch and whether the channel can reach
// the recipient at all. in_app needs no contact; every other channel needs a
// verified address.
func (p Preferences) Address(ch model.Channel) (string, bool) {
	if ch == model.ChannelInApp {
		return "", true
	}
	c, ok := p.Contacts[ch]
	if !ok || !c.Verified || c.Address == "" {
		return "", false
	}
	return c.Address, true
}

// PreferenceStore resolves a recipient's channel preferences.
type PreferenceStore interface {
	Preferences(ctx context.Context, r model.Recipient) (Preferences, error)
}

// PreferenceWriter persists a recipient's channel preferences.
type PreferenceWriter interface {
	PutPreferences(ctx context.Context, recipientID string, p Preferences) error
}

// DefaultPreferences reaches a recipient in-app only.
var DefaultPreferences = Preferences{Channels: []model.Channel{model.ChannelInApp}}

// MemoryPreferences is an in-process PreferenceStore. Unknown recipients get
// the defaults.
type MemoryPreferences struct {
	mu       sync.RWMutex
	prefs    map[string]Preferences
	defaults Preferences
}

func NewMemoryPreferences(defaults Preferences) *MemoryPreferences {
	if len(defaults.Channels) == 0 {
		defaults = DefaultPreferences
	}
	return &MemoryPreferences{prefs: make(map[string]Preferences), defaults: defaults}
}

func (m *MemoryPreferences) Set(recipientID string, p Preferences) {
	m.mu.Lock()
	m.prefs[recipientID] = p
	m.mu.Unlock()
}

func (m *MemoryPreferences) PutPreferences(_ context.Context, recipientID string, p Preferences) error {
	m.Set(recipientID, p)
	return nil
}

func (m *MemoryPreferences) Preferences(_ context.Context, r model.Recipient) (Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.prefs[r.ID]; ok {
		return p, nil
	}
	return m.defaults, nil
}

// PGQuerier is the subset of pgxpool.Pool the Postgres preference store needs.
type PGQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const upsertPreferences = `
	INSERT INTO recipient_preferences (recipient_id, preferences)
	VALUES ($1, $2)
	ON CONFLICT (recipient_id)
	DO UPDATE SET
		preferences = EXCLUDED.preferences,
		updated_at = NOW();
`

// PGPreferences keeps preferences in the recipient_preferences table so every
// replica sees the same channels and contacts.
type PGPreferences struct {
	db       PGQuerier
	defaults Preferences
}

func NewPGPreferences(db PGQuerier, defaults Preferences) *PGPreferences {
	if len(defaults.Channels) == 0 {
		defaults = DefaultPreferences
	}
	return &PGPreferences{db: db, defaults: defaults}
}

func (s *PGPreferences) Preferences(ctx context.Context, r model.Recipient) (Preferences, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT preferences FROM recipient_preferences WHERE recipient_id = $1`, r.ID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.defaults, nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("load preferences for %s: %w", r.ID, err)
	}
	var p Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		return Preferences{}, fmt.Errorf("decode preferences for %s: %w", r.ID, err)
	}
	return p, nil
}

func (s *PGPreferences) PutPreferences(ctx context.Context, recipientID string, p Preferences) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, upsertPreferences, recipientID, raw); err != nil {
		return fmt.Errorf("save preferences for %s: %w", recipientID, err)
	}
	return nil
}

// LoadPreferencesFile reads recipient ID -> Preferences from a YAML file.
// An empty path yields no entries.
func LoadPreferencesFile(path string) (map[string]Preferences, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preferences %s: %w", path, err)
	}
	var out map[string]Preferences
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse preferences %s: %w", path, err)
	}
	for id, p := range out {
		for _, ch := range p.Channels {
			if _, ok := model.ParseChannel(string(ch)); !ok {
				return nil, fmt.Errorf("preferences %s: recipient %s: unknown channel %q: %w", path, id, ch, model.ErrConfiguration)
			}
		}
	}
	return out, nil
}

// SeedPreferences writes every entry to w, leaving other recipients alone.
func SeedPreferences(ctx context.Context, w PreferenceWriter, prefs map[string]Preferences) error {
	for id, p := range prefs {
		if err := w.PutPreferences(ctx, id, p); err != nil {
			return err
		}
	}
	return nil
}
