package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTableName          = "relaylevel_kv"
	postgresNotifyChannel      = "relaylevel_kv_changed"
	postgresOperationTimeout   = 5 * time.Second
	postgresListenerMinBackoff = 100 * time.Millisecond
	postgresListenerMaxBackoff = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// notificationListener is the subset of *pq.Listener the watcher uses.
type notificationListener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

type listenerFactory func(dsn string) notificationListener

// PostgresKV keeps values in a table and announces every write with
// NOTIFY so that watchers in other processes re-read the key.
type PostgresKV struct {
	dsn         string
	tableName   string
	channel     string
	openDB      sqlOpenFunc
	newListener listenerFactory

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu        sync.Mutex
	listeners map[notificationListener]struct{}
}

func NewPostgresKV(dsn string) (*PostgresKV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresKV{
		dsn:       dsn,
		tableName: postgresTableName,
		channel:   postgresNotifyChannel,
		openDB:    sql.Open,
		newListener: func(dsn string) notificationListener {
			return pqListener{pq.NewListener(dsn, postgresListenerMinBackoff, postgresListenerMaxBackoff, nil)}
		},
		listeners: map[notificationListener]struct{}{},
	}, nil
}

func (p *PostgresKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := p.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", pq.QuoteIdentifier(p.tableName))
	var payload string
	err := p.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (p *PostgresKV) Set(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, pq.QuoteIdentifier(p.tableName))
	if _, err := tx.ExecContext(ctx, query, key, string(value)); err != nil {
		return err
	}
	// NOTIFY is delivered on commit; the payload is only the key because
	// notification payloads are size limited.
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.channel, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresKV) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	listener := p.newListener(p.dsn)
	if err := listener.Listen(p.channel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	p.mu.Lock()
	p.listeners[listener] = struct{}{}
	p.mu.Unlock()

	ch := make(chan []byte, 1)
	go func() {
		defer close(ch)
		defer p.release(listener)
		for {
			select {
			case <-ctx.Done():
				return
			case notification, ok := <-listener.NotificationChannel():
				if !ok {
					return
				}
				// A nil notification means the connection was re-established
				// and changes may have been missed, so re-read regardless.
				if notification != nil && notification.Extra != key {
					continue
				}
				value, found, err := p.Get(ctx, key)
				if err != nil {
					continue
				}
				if !found {
					value = nil
				}
				pushLatest(ch, value)
			}
		}
	}()
	return ch, nil
}

func (p *PostgresKV) Close() error {
	p.mu.Lock()
	for listener := range p.listeners {
		_ = listener.Close()
		delete(p.listeners, listener)
	}
	p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresKV) release(listener notificationListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.listeners[listener]; ok {
		delete(p.listeners, listener)
		_ = listener.Close()
	}
}

func (p *PostgresKV) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, pq.QuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

type pqListener struct {
	*pq.Listener
}

func (l pqListener) NotificationChannel() <-chan *pq.Notification {
	return l.Notify
}
