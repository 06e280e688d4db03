// Package state persists the engine's long-lived state as a single JSON
// snapshot. Writes are atomic so a crash mid-save leaves the previous
// snapshot intact.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sawpanic/rotarun/internal/iox"
	"github.com/sawpanic/rotarun/internal/portfolio"
	"github.com/sawpanic/rotarun/internal/regime"
)

// Snapshot is everything the engine needs to resume after a restart.
// Prices, scores and regime observations are recomputed from market
// history; only positions, cycle progress and hysteresis memory persist.
type Snapshot struct {
	SavedAt    time.Time             `json:"saved_at"`
	CycleCount int                   `json:"cycle_count"`
	Tranches   []*portfolio.Tranche  `json:"tranches"`
	Regime     regime.PersistedState `json:"regime"`
}

// Store reads and writes snapshots at a fixed path.
type Store struct {
	path string
}

// NewStore creates a store for the given snapshot path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Save writes the snapshot atomically, stamping SavedAt.
func (s *Store) Save(snap *Snapshot) error {
	snap.SavedAt = time.Now().UTC()
	if err := iox.WriteJSONAtomic(s.path, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. An absent file is a normal cold start and
// returns (nil, nil); a corrupt file is an error.
func (s *Store) Load() (*Snapshot, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", s.path, err)
	}
	return &snap, nil
}
