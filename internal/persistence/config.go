package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Well-known config keys. Adapter boss ids use the ConfigKeyBossIDPrefix
// plus the adapter type, e.g. "adapter_boss_id_telegram".
const (
	ConfigKeySetupCompleted  = "setup_completed"
	ConfigKeyBossName        = "boss_name"
	ConfigKeyBossTimezone    = "boss_timezone"
	ConfigKeyBossTokenHash   = "boss_token_hash"
	ConfigKeyDefaultProvider = "default_provider"
	ConfigKeyPolicy          = "permission_policy"

	ConfigKeyBossIDPrefix = "adapter_boss_id_"
)

// BossIDKey returns the config key holding the boss's platform identity for
// an adapter type.
func BossIDKey(adapterType string) string {
	return ConfigKeyBossIDPrefix + adapterType
}

// GetConfig returns the value for key, or ErrNotFound.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM config WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config %q: %w", key, ErrNotFound)
	}
	return value, err
}

// GetConfigDefault returns the value for key, or def when unset.
func (s *Store) GetConfigDefault(ctx context.Context, key, def string) (string, error) {
	v, err := s.GetConfig(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return v, err
}

// SetConfig upserts one key.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key, value, s.now().UnixMilli())
	return err
}

// SetConfigs upserts several keys in one transaction.
func (s *Store) SetConfigs(ctx context.Context, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		for key, value := range kv {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
				key, value, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteConfig removes a key; deleting a missing key is a no-op.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM config WHERE key = ?;`, key)
	return err
}

// ListBossIDs returns adapter type → configured boss platform id.
func (s *Store) ListBossIDs(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM config WHERE key LIKE ?;`,
		ConfigKeyBossIDPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(key, ConfigKeyBossIDPrefix)] = value
	}
	return out, rows.Err()
}

// SetupCompleted reports whether first-run setup has been executed.
func (s *Store) SetupCompleted(ctx context.Context) (bool, error) {
	v, err := s.GetConfigDefault(ctx, ConfigKeySetupCompleted, "")
	if err != nil {
		return false, err
	}
	return v == "true" || v == "1", nil
}
