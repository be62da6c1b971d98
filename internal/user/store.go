package user

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/pkg/logger"
)

var log = logger.Get("UserStore")

type (
	// Settings holds the per-user preferences which are snapshotted into
	// a job at submission time.
	Settings struct {
		BrandName          string `json:"brand_name"`
		Website            string `json:"website"`
		CustomThumbnailRef string `json:"custom_thumbnail_ref,omitempty"`
	}

	userModel struct {
		UserID   int64                         `db:"user_id"`
		Settings database.JsonColumn[Settings] `db:"settings"`
	}

	// Store provides read/upsert access to the users collection. Missing
	// rows (or missing keys) are resolved to the configured defaults at
	// read time; nothing is written for a user until they change a setting.
	Store struct {
		defaults Settings
	}
)

func NewStore(defaults Settings) *Store {
	return &Store{defaults: defaults}
}

// GetSettings fetches the settings for the given user, filling any unset
// keys with the store defaults. A user with no row at all simply receives
// the defaults.
func (store *Store) GetSettings(db database.Queryable, userID int64) (Settings, error) {
	var row userModel
	err := db.Get(&row, `SELECT user_id, settings FROM users WHERE user_id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Debugf("No settings row for user %d, falling back to defaults\n", userID)
		return store.defaults, nil
	} else if err != nil {
		return Settings{}, fmt.Errorf("failed to fetch settings for user %d: %w", userID, err)
	}

	settings := store.defaults
	if stored := row.Settings.Get(); stored != nil {
		if stored.BrandName != "" {
			settings.BrandName = stored.BrandName
		}
		if stored.Website != "" {
			settings.Website = stored.Website
		}
		if stored.CustomThumbnailRef != "" {
			settings.CustomThumbnailRef = stored.CustomThumbnailRef
		}
	}

	return settings, nil
}

// UpdateSetting upserts a single settings key for the user. Unknown keys
// are rejected rather than silently stored.
func (store *Store) UpdateSetting(db database.Queryable, userID int64, key string, value string) error {
	switch key {
	case "brand_name", "website", "custom_thumbnail_ref":
	default:
		return fmt.Errorf("unknown settings key '%s'", key)
	}

	_, err := db.Exec(`
		INSERT INTO users(user_id, settings)
		VALUES ($1, jsonb_build_object($2::text, $3::text))
		ON CONFLICT (user_id) DO UPDATE
		SET settings = users.settings || jsonb_build_object($2::text, $3::text),
		    updated_at = current_timestamp
	`, userID, key, value)
	if err != nil {
		return fmt.Errorf("failed to upsert setting %s for user %d: %w", key, userID, err)
	}

	return nil
}
