package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/helper"
	"github.com/shortlinker/shortlinker/pkg/password"
)

const (
	// TokenFileName is where the generated admin token plaintext is
	// written, relative to the data path.
	TokenFileName = "admin_token.txt"

	tokenLength   = 48
	tokenFileMode = 0o600

	// changedBySystem marks writes done by the daemon itself.
	changedBySystem = "system"
)

// ErrUnknownKey is returned for keys with no definition.
var ErrUnknownKey = errors.New("unknown config key")

// ErrInvalidValue is returned when a value fails its def's validation.
var ErrInvalidValue = errors.New("invalid config value")

// Store persists config values in the system_config table and owns the
// admin token file.
type Store struct {
	db       database.Querier
	dataPath string
}

// NewStore returns a Store writing the token file under dataPath.
func NewStore(db database.Querier, dataPath string) *Store {
	return &Store{db: db, dataPath: dataPath}
}

// TokenFilePath is the absolute path of the admin token file.
func (s *Store) TokenFilePath() string { return filepath.Join(s.dataPath, TokenFileName) }

// EnsureDefaults seeds a row for every definition that has none, leaving
// existing values untouched. Inserts use ON CONFLICT DO NOTHING so
// concurrently starting processes cannot clobber each other.
//
// When the api.admin_token seed lands, the generated plaintext is written
// to the token file with create-new semantics; a pre-existing file fails
// the seed so a stale token never masquerades as the current one.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	for _, def := range Defs() {
		value := def.Default

		var plaintext string

		if def.Generated {
			var err error

			value, plaintext, err = generateDefault(def)
			if err != nil {
				return fmt.Errorf("error generating default for %q: %w", def.Key, err)
			}
		}

		row := rowFromDef(def, value)

		inserted, err := s.db.EnsureConfigRow(ctx, row)
		if err != nil {
			return err
		}

		if inserted && def.Key == KeyAdminToken {
			if err := s.createTokenFile(plaintext); err != nil {
				return fmt.Errorf(
					"admin token was seeded but its plaintext could not be written: %w", err)
			}

			zerolog.Ctx(ctx).Info().
				Str("path", s.TokenFilePath()).
				Msg("admin token generated, plaintext written next to the data")
		}
	}

	return nil
}

// SyncMetadata refreshes the code-defined attributes of every known row
// and logs rows whose key no longer has a definition. Values are never
// touched.
func (s *Store) SyncMetadata(ctx context.Context) error {
	keys, err := s.db.ListConfigKeys(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		def, ok := DefByKey(key)
		if !ok {
			zerolog.Ctx(ctx).Warn().
				Str("key", key).
				Msg("config row has no definition in this build, leaving it alone")

			continue
		}

		if err := s.db.SyncConfigMetadata(ctx, rowFromDef(def, "")); err != nil {
			return err
		}
	}

	return nil
}

// Get fetches one row.
func (s *Store) Get(ctx context.Context, key string) (*database.SystemConfig, error) {
	return s.db.GetConfig(ctx, key)
}

// GetAll returns every row ordered by key. Sensitive values are NOT
// redacted here; surfaces that leave the process redact.
func (s *Store) GetAll(ctx context.Context) ([]*database.SystemConfig, error) {
	return s.db.ListConfig(ctx)
}

// SetResult tells the caller what a write changed and whether the key
// needs a restart or a reload to take effect.
type SetResult struct {
	Key             string `json:"key"`
	OldValue        string `json:"old_value"`
	NewValue        string `json:"new_value"`
	Changed         bool   `json:"changed"`
	RequiresRestart bool   `json:"requires_restart"`
	Sensitive       bool   `json:"is_sensitive"`

	// GeneratedToken carries the plaintext of a regenerated admin
	// token exactly once; it is never persisted.
	GeneratedToken string `json:"generated_token,omitempty"`
}

// Set validates and writes one value. The admin token is hashed before
// storage unless the caller already supplied a hash. A value equal to
// the stored one changes nothing and records no history.
func (s *Store) Set(ctx context.Context, key, value, changedBy string) (*SetResult, error) {
	def, ok := DefByKey(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	if def.Key == KeyAdminToken {
		if value == "" {
			return nil, fmt.Errorf("%w: admin token must not be empty", ErrInvalidValue)
		}

		if !password.IsHash(value) {
			hashed, err := password.Hash(value)
			if err != nil {
				return nil, fmt.Errorf("error hashing admin token: %w", err)
			}

			value = hashed
		}
	} else if err := def.CheckValue(value); err != nil {
		return nil, fmt.Errorf("%w for %q: %s", ErrInvalidValue, key, err)
	}

	upd, err := s.db.UpdateConfigValue(ctx, key, value, changedBy)
	if err != nil {
		return nil, err
	}

	return setResultFrom(upd), nil
}

// Reset restores a key to its default. Generated keys get a fresh value
// instead; a regenerated admin token's plaintext is returned in the
// result so the caller can hand it to the operator once.
func (s *Store) Reset(ctx context.Context, key, changedBy string) (*SetResult, error) {
	def, ok := DefByKey(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	if !def.Generated {
		upd, err := s.db.ResetConfigValue(ctx, key, changedBy)
		if err != nil {
			return nil, err
		}

		return setResultFrom(upd), nil
	}

	value, plaintext, err := generateDefault(def)
	if err != nil {
		return nil, fmt.Errorf("error generating value for %q: %w", key, err)
	}

	upd, err := s.db.UpdateConfigValue(ctx, key, value, changedBy)
	if err != nil {
		return nil, err
	}

	res := setResultFrom(upd)
	if def.Key == KeyAdminToken {
		res.GeneratedToken = plaintext
	}

	return res, nil
}

// RewriteTokenFile replaces the token file with the given plaintext,
// recreating it with the restrictive mode. Used by explicit operator
// action only.
func (s *Store) RewriteTokenFile(plaintext string) error {
	if err := os.Remove(s.TokenFilePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error removing old admin token file: %w", err)
	}

	return s.createTokenFile(plaintext)
}

// History returns change records for one key, or across all keys when
// key is empty, newest first.
func (s *Store) History(ctx context.Context, key string, limit int) ([]*database.ConfigHistory, error) {
	return s.db.GetConfigHistory(ctx, key, limit)
}

func (s *Store) createTokenFile(plaintext string) error {
	f, err := os.OpenFile(s.TokenFilePath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, tokenFileMode)
	if err != nil {
		return fmt.Errorf("error creating admin token file: %w", err)
	}

	_, werr := f.WriteString(plaintext + "\n")

	if err := f.Close(); werr == nil {
		werr = err
	}

	if werr != nil {
		return fmt.Errorf("error writing admin token file: %w", werr)
	}

	return nil
}

func setResultFrom(upd *database.ConfigUpdate) *SetResult {
	return &SetResult{
		Key:             upd.Row.Key,
		OldValue:        upd.OldValue,
		NewValue:        upd.Row.Value,
		Changed:         upd.Changed,
		RequiresRestart: upd.Row.RequiresRestart,
		Sensitive:       upd.Row.Sensitive,
	}
}

func generateDefault(def Def) (value, plaintext string, err error) {
	switch def.Key {
	case KeyAdminToken:
		plaintext, err = helper.RandString(tokenLength, nil)
		if err != nil {
			return "", "", err
		}

		value, err = password.Hash(plaintext)
		if err != nil {
			return "", "", err
		}

		return value, plaintext, nil
	case KeyInstanceID:
		return uuid.NewString(), "", nil
	default:
		return def.Default, "", nil
	}
}

func rowFromDef(def Def, value string) *database.SystemConfig {
	defaultValue := def.Default
	if def.Generated {
		defaultValue = GeneratedDefault
	}

	return &database.SystemConfig{
		Key:             def.Key,
		Value:           value,
		ValueType:       string(def.Type),
		DefaultValue:    defaultValue,
		Description:     def.Description,
		Category:        def.Category(),
		RequiresRestart: def.RequiresRestart,
		Sensitive:       def.Sensitive,
		UpdatedAt:       time.Now().UTC(),
		UpdatedBy:       changedBySystem,
	}
}
