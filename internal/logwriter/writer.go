// Package logwriter persists turn and legacy event records, one object per event.
package logwriter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"chatlog/internal/record"
	"chatlog/internal/storage"
)

// Writer derives keys from its own clock rather than client timestamps,
// which keeps keys free of client clock skew.
type Writer struct {
	store storage.Store
	now   func() time.Time
}

func New(store storage.Store, now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	return &Writer{store: store, now: now}
}

// WriteTurn caps and stores t under logs/{day}/{time}.turn.json.
func (w *Writer) WriteTurn(ctx context.Context, t record.Turn) (storage.Object, error) {
	return w.put(ctx, storage.SuffixTurn, t.Cap())
}

// WriteEvent caps and stores e under logs/{day}/{time}.json. An empty TS is
// filled with the write time.
func (w *Writer) WriteEvent(ctx context.Context, e record.Event) (storage.Object, error) {
	e = e.Cap()
	if e.TS == "" {
		e.TS = record.Timestamp(w.now())
	}
	return w.put(ctx, storage.SuffixEvent, e)
}

func (w *Writer) put(ctx context.Context, suffix string, v any) (storage.Object, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return storage.Object{}, errors.Wrap(err, "marshal record")
	}
	key := storage.EventKey(w.now(), suffix)
	obj, err := w.store.Put(ctx, key, data, storage.ContentTypeJSON)
	if err != nil {
		return storage.Object{}, errors.Wrapf(err, "store %s", key)
	}
	log.Debug().Str("component", "logwriter").Str("key", key).Int("bytes", len(data)).Msg("record stored")
	return obj, nil
}

// Emit lets a Writer act as the turn sink for in-process capture.
func (w *Writer) Emit(ctx context.Context, t record.Turn) error {
	_, err := w.WriteTurn(ctx, t)
	return err
}
