// Package compaction merges one day's per-event objects into a single
// newline-delimited object and removes the originals.
package compaction

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chatlog/internal/storage"
)

const DefaultBatchSize = 25

const (
	SkippedExists     = "exists"
	SkippedEmpty      = "empty"
	SkippedConcurrent = "concurrent"
)

// errVanished means a listed object was deleted before it could be read,
// which only another compaction of the same day does.
var errVanished = errors.New("listed object vanished")

type Request struct {
	// Day is YYYY-MM-DD; empty means yesterday in UTC.
	Day string
	// Force bypasses the exists guard. When the merged object already exists it
	// is rewritten with its current lines followed by the lines of the per-event
	// objects still stored, skipping lines it already holds.
	Force bool
}

type Result struct {
	OK      bool   `json:"ok"`
	Day     string `json:"day"`
	OutKey  string `json:"outKey"`
	URL     string `json:"url,omitempty"`
	Written bool   `json:"written"`
	Events  int    `json:"events,omitempty"`
	Carried int    `json:"carried,omitempty"`
	Deleted int    `json:"deleted"`
	Skipped string `json:"skipped,omitempty"`
}

// Compactor is safe to run repeatedly for the same day. Runs racing on a day are
// not coordinated; a run that finds listed objects already deleted backs off
// without writing, and an unforced run re-checks the merged object before Put.
type Compactor struct {
	store     storage.Store
	batchSize int
	now       func() time.Time
}

func New(store storage.Store, batchSize int, now func() time.Time) *Compactor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if now == nil {
		now = time.Now
	}
	return &Compactor{store: store, batchSize: batchSize, now: now}
}

// ResolveDay validates an explicit day or defaults to yesterday.
func (c *Compactor) ResolveDay(day string) (string, error) {
	if day == "" {
		return storage.Yesterday(c.now()), nil
	}
	if _, err := storage.ParseDay(day); err != nil {
		return "", err
	}
	return day, nil
}

func (c *Compactor) Run(ctx context.Context, req Request) (Result, error) {
	day, err := c.ResolveDay(req.Day)
	if err != nil {
		return Result{}, err
	}
	outKey := storage.CompactedKey(day)
	res := Result{OK: true, Day: day, OutKey: outKey}
	logger := log.With().Str("component", "compaction").Str("day", day).Logger()

	if !req.Force {
		exists, err := c.store.Exists(ctx, outKey)
		if err != nil {
			return Result{}, errors.Wrap(err, "check merged object")
		}
		if exists {
			res.Skipped = SkippedExists
			res.URL = c.store.PublicURL(outKey)
			logger.Info().Msg("merged object already exists, nothing to do")
			return res, nil
		}
	}

	objs, err := c.store.List(ctx, storage.DayPrefix(day))
	if err != nil {
		return Result{}, errors.Wrap(err, "list day objects")
	}
	if len(objs) == 0 {
		res.Skipped = SkippedEmpty
		logger.Info().Msg("no events for day")
		return res, nil
	}

	lines, err := c.readLines(ctx, objs)
	if errors.Is(err, errVanished) {
		res.Skipped = SkippedConcurrent
		logger.Warn().Msg("objects deleted while reading, another compaction of this day is running")
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}

	var buf bytes.Buffer
	if req.Force {
		carried, n, err := c.carryMerged(ctx, outKey, &buf)
		if err != nil {
			return Result{}, err
		}
		res.Carried = n
		lines = dropCarried(lines, carried)
	}

	var included []string
	for i, line := range lines {
		included = append(included, objs[i].Key)
		if line != nil {
			buf.Write(line)
			res.Events++
		}
	}

	if !req.Force {
		exists, err := c.store.Exists(ctx, outKey)
		if err != nil {
			return Result{}, errors.Wrap(err, "check merged object")
		}
		if exists {
			res.Skipped = SkippedExists
			res.URL = c.store.PublicURL(outKey)
			logger.Warn().Msg("merged object appeared while reading, leaving it in place")
			return res, nil
		}
	}

	obj, err := c.store.Put(ctx, outKey, buf.Bytes(), storage.ContentTypeNDJSON)
	if err != nil {
		return Result{}, errors.Wrap(err, "write merged object")
	}
	res.Written = true
	res.URL = obj.URL

	for _, key := range included {
		if err := c.store.Delete(ctx, key); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("delete after merge failed")
			continue
		}
		res.Deleted++
	}
	logger.Info().Int("events", res.Events).Int("carried", res.Carried).Int("deleted", res.Deleted).Str("out", outKey).Msg("day compacted")
	return res, nil
}

// carryMerged copies the current merged object, if any, into buf and returns
// its distinct lines and line count.
func (c *Compactor) carryMerged(ctx context.Context, outKey string, buf *bytes.Buffer) (map[string]struct{}, int, error) {
	data, err := c.store.Get(ctx, outKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "read merged object")
	}
	n := 0
	carried := make(map[string]struct{})
	for _, l := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(l)) == 0 {
			continue
		}
		buf.Write(l)
		buf.WriteByte('\n')
		carried[string(l)+"\n"] = struct{}{}
		n++
	}
	return carried, n, nil
}

// dropCarried blanks lines the merged object already holds; their objects are
// still deleted.
func dropCarried(lines [][]byte, carried map[string]struct{}) [][]byte {
	for i, l := range lines {
		if _, ok := carried[string(l)]; ok {
			lines[i] = nil
		}
	}
	return lines
}

// readLines fetches objects batch by batch; lines[i] belongs to objs[i]. A
// listed object that is gone by the time it is read fails with errVanished.
func (c *Compactor) readLines(ctx context.Context, objs []storage.Object) ([][]byte, error) {
	lines := make([][]byte, len(objs))
	for start := 0; start < len(objs); start += c.batchSize {
		end := start + c.batchSize
		if end > len(objs) {
			end = len(objs)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				data, err := c.store.Get(gctx, objs[i].Key)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return errors.Wrap(errVanished, objs[i].Key)
					}
					return errors.Wrapf(err, "read %s", objs[i].Key)
				}
				lines[i] = Line(data)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return lines, nil
}

// Line renders one stored object as a newline-terminated line: canonical
// compact JSON when the content parses, the raw text otherwise.
func Line(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if json.Valid(trimmed) {
		if canon, err := jcs.Transform(trimmed); err == nil {
			return append(canon, '\n')
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			buf.WriteByte('\n')
			return buf.Bytes()
		}
	}
	raw := bytes.TrimRight(data, "\r\n")
	out := make([]byte, 0, len(raw)+1)
	out = append(out, raw...)
	return append(out, '\n')
}
