package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	connectMaxReconnects = -1 // reconnect forever
	connectReconnectWait = 2 * time.Second
)

// Connect dials the NATS server backing the shared store.
func Connect(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(connectMaxReconnects),
		nats.ReconnectWait(connectReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("store connection lost")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("store reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("store async error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	return nc, nil
}

// Bucket is the JetStream Key-Value implementation of KV.
type Bucket struct {
	kv jetstream.KeyValue
}

// Open creates or binds the named KV bucket over an existing connection.
func Open(ctx context.Context, nc *nats.Conn, bucket string) (*Bucket, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "tandem coordination documents",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}

	log.Info().Str("bucket", bucket).Msg("store bucket opened")
	return &Bucket{kv: kv}, nil
}

func (b *Bucket) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return fromKVEntry(entry), nil
}

func (b *Bucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return rev, nil
}

func (b *Bucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("create %s: %w", key, err)
	}
	return rev, nil
}

func (b *Bucket) Update(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error) {
	rev, err := b.kv.Update(ctx, key, value, expectedRevision)
	if err != nil {
		if isWrongLastSequence(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update %s: %w", key, err)
	}
	return rev, nil
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := b.kv.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *Bucket) Watch(ctx context.Context, pattern string) (Watcher, error) {
	kw, err := b.kv.Watch(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", pattern, err)
	}

	w := &bucketWatcher{
		inner:   kw,
		updates: make(chan *Entry, watchBuffer),
		done:    make(chan struct{}),
	}
	go w.pump()
	return w, nil
}

const watchBuffer = 64

type bucketWatcher struct {
	inner   jetstream.KeyWatcher
	updates chan *Entry
	done    chan struct{}
	stopped bool
}

func (w *bucketWatcher) pump() {
	defer close(w.updates)
	for entry := range w.inner.Updates() {
		if entry == nil {
			// End-of-initial-values marker.
			continue
		}
		select {
		case w.updates <- fromKVEntry(entry):
		case <-w.done:
			return
		}
	}
}

func (w *bucketWatcher) Updates() <-chan *Entry { return w.updates }

func (w *bucketWatcher) Stop() {
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.done)
	if err := w.inner.Stop(); err != nil {
		log.Debug().Err(err).Msg("stopping store watcher")
	}
}

func fromKVEntry(entry jetstream.KeyValueEntry) *Entry {
	op := entry.Operation()
	return &Entry{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
		Created:  entry.Created(),
		Deleted:  op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge,
	}
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
