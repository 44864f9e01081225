package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const siteSettingsKey = "site"

// Settings are the site-wide options editable by the admin.
type Settings struct {
	SiteTitle       string `json:"site_title"`
	SiteDescription string `json:"site_description"`
	PasscodeHash    string `json:"passcode_hash,omitempty"`
	ImageWidth      int    `json:"image_width"`
	ImageHeight     int    `json:"image_height"`
	MaxUploadBytes  int64  `json:"max_upload_bytes"`
}

func DefaultSettings() Settings {
	return Settings{
		SiteTitle:       "Tutorial Platform",
		SiteDescription: "Interactive learning platform",
		ImageWidth:      800,
		ImageHeight:     500,
		MaxUploadBytes:  10 << 20,
	}
}

// Validate checks the editable limits.
func (s Settings) Validate() error {
	var errs []error
	if s.SiteTitle == "" {
		errs = append(errs, errors.New("site_title is required"))
	}
	if s.ImageWidth < 16 || s.ImageWidth > 4000 || s.ImageHeight < 16 || s.ImageHeight > 4000 {
		errs = append(errs, fmt.Errorf("image size %dx%d out of range", s.ImageWidth, s.ImageHeight))
	}
	if s.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// GetSettings returns the stored settings, with defaults for unset fields.
func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	out := DefaultSettings()
	var raw string
	err := s.db.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, siteSettingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	} else if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value=excluded.value`,
		siteSettingsKey, string(data),
	)
	return err
}
