package kv

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultNATSBucket = "relaylevel"

// NATSKV stores values in a JetStream key-value bucket and follows changes
// with a bucket watch.
type NATSKV struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	bucket string
	ownsNC bool
}

var _ PersistentKV = (*NATSKV)(nil)

// NewNATSKVFromDSN connects to nats://host:port/<bucket>.
func NewNATSKVFromDSN(dsn string) (*NATSKV, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	bucket := strings.Trim(parsed.Path, "/")
	if bucket == "" {
		bucket = defaultNATSBucket
	}
	server := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, User: parsed.User}
	nc, err := nats.Connect(server.String(), nats.Name("relaylevel-kv"))
	if err != nil {
		return nil, err
	}
	store, err := NewNATSKV(nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	store.ownsNC = true
	return store, nil
}

func NewNATSKV(nc *nats.Conn, bucket string) (*NATSKV, error) {
	if nc == nil || strings.TrimSpace(bucket) == "" {
		return nil, ErrInvalidInput
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if err != nil {
		return nil, err
	}
	return &NATSKV{
		nc:     nc,
		kv:     store,
		bucket: bucket,
	}, nil
}

func (c *NATSKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (c *NATSKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.kv.Put(ctx, key, value)
	return err
}

func (c *NATSKV) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	watcher, err := c.kv.Watch(ctx, key)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 1)
	go func() {
		defer close(ch)
		defer func() { _ = watcher.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// nil marks the end of the initial replay.
				if update == nil {
					continue
				}
				if update.Operation() == jetstream.KeyValueDelete || update.Operation() == jetstream.KeyValuePurge {
					pushLatest(ch, nil)
					continue
				}
				pushLatest(ch, update.Value())
			}
		}
	}()
	return ch, nil
}

func (c *NATSKV) Close() error {
	if c.ownsNC {
		c.nc.Close()
	}
	return nil
}
