package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/credibility"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
)

// AgentReputation is one row of the source reputation table
type AgentReputation struct {
	AgentID    string `gorm:"primaryKey"`
	Reputation float64
	UpdatedAt  time.Time
}

// IPReputation is one row of the IP reputation table
type IPReputation struct {
	IP         string `gorm:"primaryKey;column:ip"`
	Reputation float64
	UpdatedAt  time.Time
}

// CategoryAccuracy is one row of the per-category accuracy table
type CategoryAccuracy struct {
	ThreatType string `gorm:"primaryKey"`
	Correct    uint64
	Total      uint64
	UpdatedAt  time.Time
}

// TableName overrides the pluralised default
func (IPReputation) TableName() string { return "ip_reputations" }

// Store saves and restores credibility snapshots in SQLite
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open bootstraps a SQLite database at path and migrates the trust tables
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&AgentReputation{}, &IPReputation{}, &CategoryAccuracy{}); err != nil {
		return nil, fmt.Errorf("migrate trust tables: %w", err)
	}

	return &Store{db: db, logger: log}, nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save replaces the stored trust tables with snap in one transaction
func (s *Store) Save(ctx context.Context, snap credibility.Snapshot) error {
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []any{&AgentReputation{}, &IPReputation{}, &CategoryAccuracy{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(table).Error; err != nil {
				return fmt.Errorf("clear table: %w", err)
			}
		}

		agents := make([]AgentReputation, 0, len(snap.Sources))
		for id, rep := range snap.Sources {
			agents = append(agents, AgentReputation{AgentID: id, Reputation: rep, UpdatedAt: now})
		}
		if len(agents) > 0 {
			if err := tx.CreateInBatches(agents, 500).Error; err != nil {
				return fmt.Errorf("save agent reputations: %w", err)
			}
		}

		ips := make([]IPReputation, 0, len(snap.IPs))
		for ip, rep := range snap.IPs {
			ips = append(ips, IPReputation{IP: ip, Reputation: rep, UpdatedAt: now})
		}
		if len(ips) > 0 {
			if err := tx.CreateInBatches(ips, 500).Error; err != nil {
				return fmt.Errorf("save ip reputations: %w", err)
			}
		}

		categories := make([]CategoryAccuracy, 0, len(snap.Categories))
		for t, acc := range snap.Categories {
			categories = append(categories, CategoryAccuracy{
				ThreatType: string(t),
				Correct:    acc.Correct,
				Total:      acc.Total,
				UpdatedAt:  now,
			})
		}
		if len(categories) > 0 {
			if err := tx.CreateInBatches(categories, 500).Error; err != nil {
				return fmt.Errorf("save category accuracies: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Trust snapshot saved",
		"agents", len(snap.Sources),
		"ips", len(snap.IPs),
		"categories", len(snap.Categories))
	return nil
}

// Load reads the stored trust tables
func (s *Store) Load(ctx context.Context) (credibility.Snapshot, error) {
	snap := credibility.Snapshot{
		Sources:    make(map[string]float64),
		IPs:        make(map[string]float64),
		Categories: make(map[model.ThreatType]credibility.Accuracy),
	}
	db := s.db.WithContext(ctx)

	var agents []AgentReputation
	if err := db.Find(&agents).Error; err != nil {
		return snap, fmt.Errorf("load agent reputations: %w", err)
	}
	for _, a := range agents {
		snap.Sources[a.AgentID] = a.Reputation
	}

	var ips []IPReputation
	if err := db.Find(&ips).Error; err != nil {
		return snap, fmt.Errorf("load ip reputations: %w", err)
	}
	for _, ip := range ips {
		snap.IPs[ip.IP] = ip.Reputation
	}

	var categories []CategoryAccuracy
	if err := db.Find(&categories).Error; err != nil {
		return snap, fmt.Errorf("load category accuracies: %w", err)
	}
	for _, c := range categories {
		snap.Categories[model.ThreatType(c.ThreatType)] = credibility.Accuracy{Correct: c.Correct, Total: c.Total}
	}

	return snap, nil
}

// Restore loads the stored tables into store. An empty database leaves store untouched.
func (s *Store) Restore(ctx context.Context, store *credibility.Store) error {
	snap, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if len(snap.Sources) == 0 && len(snap.IPs) == 0 && len(snap.Categories) == 0 {
		s.logger.Info("No stored trust snapshot, starting fresh")
		return nil
	}

	store.Restore(snap)
	s.logger.Info("Trust snapshot restored",
		"agents", len(snap.Sources),
		"ips", len(snap.IPs),
		"categories", len(snap.Categories))
	return nil
}

// Snapshot exports store and saves it
func (s *Store) Snapshot(ctx context.Context, store *credibility.Store) error {
	return s.Save(ctx, store.Export())
}
