package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
)

// Settings are the platform values operators change at runtime.
type Settings struct {
	CommissionPercentage decimal.Decimal
	MinPayoutAmount      decimal.Decimal
	EnableBidding        bool
	// BroadcastLimit caps jobs created by one broadcast; 0 means no cap.
	BroadcastLimit int
}

type settingsFile struct {
	CommissionPercentage float64 `toml:"commission_percentage"`
	MinPayoutAmount      float64 `toml:"min_payout_amount"`
	EnableBidding        bool    `toml:"enable_bidding"`
	BroadcastLimit       int     `toml:"broadcast_limit"`
}

func DefaultSettings() Settings {
	return Settings{
		CommissionPercentage: decimal.NewFromInt(10),
		MinPayoutAmount:      decimal.NewFromInt(50),
		EnableBidding:        true,
	}
}

// LoadSettings reads a TOML settings file. Keys missing from the file keep
// their default values.
func LoadSettings(path string) (Settings, error) {
	def := DefaultSettings()
	raw := settingsFile{
		CommissionPercentage: def.CommissionPercentage.InexactFloat64(),
		MinPayoutAmount:      def.MinPayoutAmount.InexactFloat64(),
		EnableBidding:        def.EnableBidding,
		BroadcastLimit:       def.BroadcastLimit,
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}

	s := Settings{
		CommissionPercentage: decimal.NewFromFloat(raw.CommissionPercentage),
		MinPayoutAmount:      decimal.NewFromFloat(raw.MinPayoutAmount),
		EnableBidding:        raw.EnableBidding,
		BroadcastLimit:       raw.BroadcastLimit,
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if s.CommissionPercentage.IsNegative() || s.CommissionPercentage.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("commission_percentage must be between 0 and 100, got %s", s.CommissionPercentage)
	}
	if s.MinPayoutAmount.IsNegative() {
		return fmt.Errorf("min_payout_amount must not be negative, got %s", s.MinPayoutAmount)
	}
	if s.BroadcastLimit < 0 {
		return fmt.Errorf("broadcast_limit must not be negative, got %d", s.BroadcastLimit)
	}
	return nil
}

// SettingsStore holds the current Settings and swaps them atomically on reload.
type SettingsStore struct {
	path    string
	current atomic.Pointer[Settings]
}

// NewSettingsStore loads path, or serves defaults when path is empty.
func NewSettingsStore(path string) (*SettingsStore, error) {
	s := &SettingsStore{path: path}
	if path == "" {
		def := DefaultSettings()
		s.current.Store(&def)
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// StaticSettings returns a store that always serves settings.
func StaticSettings(settings Settings) *SettingsStore {
	s := &SettingsStore{}
	s.current.Store(&settings)
	return s
}

func (s *SettingsStore) Current() Settings {
	return *s.current.Load()
}

// Reload re-reads the settings file. On error the previous value stays current.
func (s *SettingsStore) Reload() error {
	settings, err := LoadSettings(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&settings)
	return nil
}

// Watch reloads the settings whenever the file changes, until ctx is done.
// The parent directory is watched so that editors replacing the file are seen.
func (s *SettingsStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, err := os.Stat(target); err != nil {
				continue
			}
			if err := s.Reload(); err != nil {
				slog.WarnContext(ctx, "settings_reload_failed", "path", target, "error", err)
				continue
			}
			cur := s.Current()
			slog.InfoContext(ctx, "settings_reloaded",
				"path", target,
				"commission_percentage", cur.CommissionPercentage.String(),
				"enable_bidding", cur.EnableBidding,
				"broadcast_limit", cur.BroadcastLimit,
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "settings_watch_error", "error", err)
		}
	}
}
