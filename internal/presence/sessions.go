package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"labremote/internal/protocol"
)

// ClientSession is one connection of a workstation to the coordinator.
type ClientSession struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Address        string     `gorm:"not null;index" json:"address"`
	HostName       string     `json:"host_name"`
	ConnectedAt    time.Time  `gorm:"not null" json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

func (ClientSession) TableName() string {
	return "client_sessions"
}

// SessionStore records connection history in Postgres.
type SessionStore struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	open map[string]int64 // address -> row id of the open session
}

// OpenSessionStore connects to dsn and migrates the sessions table.
func OpenSessionStore(dsn string, log *slog.Logger) (*SessionStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewSessionStore(db, log)
}

func NewSessionStore(db *gorm.DB, log *slog.Logger) (*SessionStore, error) {
	if err := db.AutoMigrate(&ClientSession{}); err != nil {
		return nil, fmt.Errorf("failed to migrate client_sessions: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionStore{
		db:     db,
		logger: log,
		now:    time.Now,
		open:   make(map[string]int64),
	}, nil
}

func (s *SessionStore) OnConnectionState(address string, connected bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if connected {
		row := &ClientSession{Address: address, ConnectedAt: s.now().UTC()}
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			s.logFailure("create", address, err)
			return
		}
		s.mu.Lock()
		s.open[address] = row.ID
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	id, ok := s.open[address]
	delete(s.open, address)
	s.mu.Unlock()
	if !ok {
		return
	}

	err := s.db.WithContext(ctx).
		Model(&ClientSession{}).
		Where("id = ?", id).
		Update("disconnected_at", s.now().UTC()).Error
	if err != nil {
		s.logFailure("close", address, err)
	}
}

func (s *SessionStore) OnPacket(p protocol.DataPacket, address string) {
	if p.Tag != protocol.TagHostInfo {
		return
	}
	info, ok := p.Payload.(protocol.HostInfo)
	if !ok {
		return
	}

	s.mu.Lock()
	id, ok := s.open[address]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err := s.db.WithContext(ctx).
		Model(&ClientSession{}).
		Where("id = ?", id).
		Update("host_name", info.HostName).Error
	if err != nil {
		s.logFailure("host_name", address, err)
	}
}

// Recent returns the latest sessions, newest first.
func (s *SessionStore) Recent(ctx context.Context, limit int) ([]ClientSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []ClientSession
	err := s.db.WithContext(ctx).
		Order("connected_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (s *SessionStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SessionStore) logFailure(op, address string, err error) {
	s.logger.Warn("session_record_failed",
		"op", op,
		"address", address,
		"error", err.Error(),
	)
}
