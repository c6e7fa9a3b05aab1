package main

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gocloud.dev/blob"

	. "tapeio/utils"
)

// Sink receives exported files.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// BlobSink writes to any gocloud bucket URL (s3://, gs://, file://, mem://).
type BlobSink struct {
	url    string
	bucket *blob.Bucket
	prefix string
}

func OpenBlobSink(ctx context.Context, url, prefix string) (*BlobSink, error) {
	bkt, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "opening bucket %s", url)
	}
	return &BlobSink{url: url, bucket: bkt, prefix: prefix}, nil
}

func (b *BlobSink) String() string { return b.url }

func (b *BlobSink) Put(ctx context.Context, key string, data []byte) error {
	if err := b.bucket.WriteAll(ctx, b.prefix+key, data, nil); err != nil {
		return errors.Wrapf(err, "writing %s to %s", key, b.url)
	}
	return nil
}

func (b *BlobSink) Close() error { return b.bucket.Close() }

// Exporter reads catalogued files off tape and uploads each to every sink.
// Tape reads are sequential; uploads run concurrently, bounded by a Resource.
type Exporter struct {
	restorer *Restorer
	sinks    []Sink
	reserve  *Resource
	logger   *Logger
}

func NewExporter(restorer *Restorer, sinks []Sink, concurrency int, logger *Logger) *Exporter {
	return &Exporter{
		restorer: restorer,
		sinks:    sinks,
		reserve:  NewResource(concurrency),
		logger:   logger,
	}
}

// ObjectKey is the key a file is exported under: the volume, then the
// archived name without leading slashes.
func ObjectKey(e CatalogEntry) string {
	return path.Join(e.Volume, strings.TrimLeft(path.Clean("/"+e.Name), "/"))
}

// Export uploads entries in tape order and returns how many were uploaded
// to every sink. All failures are reported together.
func (e *Exporter) Export(ctx context.Context, entries []CatalogEntry) (int, error) {
	defer e.reserve.Stop()

	ordered := append([]CatalogEntry(nil), entries...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartBlock < ordered[j].StartBlock })

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errs     []error
		uploaded int
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, entry := range ordered {
		if err := ctx.Err(); err != nil {
			fail(err)
			break
		}
		data, err := e.read(entry)
		if err != nil {
			fail(errors.Wrapf(err, "reading %s", entry.Name))
			continue
		}
		unit, err := e.reserve.Reserve(ctx)
		if err != nil {
			fail(err)
			break
		}
		wg.Add(1)
		go func(entry CatalogEntry, data []byte, unit int) {
			defer wg.Done()
			defer e.reserve.Release(unit)
			key := ObjectKey(entry)
			ok := true
			for _, sink := range e.sinks {
				if err := sink.Put(ctx, key, data); err != nil {
					fail(err)
					ok = false
				}
			}
			if ok {
				e.logger.Event("Exported ", entry.Name, " as ", key)
				mu.Lock()
				uploaded++
				mu.Unlock()
			}
		}(entry, data, unit)
	}
	wg.Wait()
	return uploaded, joinErrors(errs)
}

// read positions to the entry and reads its data into memory.
func (e *Exporter) read(entry CatalogEntry) ([]byte, error) {
	r := e.restorer
	r.stream.ClearErrors()
	if err := r.stream.SetPosition(entry.StartBlock); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	header, _, err := r.readTapeFile(func(h *FileHeader) (io.Writer, error) {
		if h.ID != entry.FileID {
			return nil, errors.Wrapf(ErrFileMismatch, "block %d holds %s", entry.StartBlock, h.ID)
		}
		buf.Grow(int(h.Size))
		return &buf, nil
	})
	if err != nil {
		return nil, err
	}
	if int64(buf.Len()) != header.Size {
		return nil, errors.Errorf("%s is incomplete on tape: %d of %d bytes", header.Name, buf.Len(), header.Size)
	}
	return buf.Bytes(), nil
}

func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return errors.Errorf("%d exports failed: %s", len(errs), strings.Join(msgs, "; "))
}
