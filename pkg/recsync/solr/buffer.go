package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Deletions are flushed after this many queued ids.
const maxBufferedDeletions = 1000

// BufferOptions configures a Buffer.
type BufferOptions struct {
	MaxUpdateRecords int
	MaxUpdateSize    int // bytes
	CommitInterval   int // records between intermediate commits
}

// Buffer accumulates document additions and deletions and flushes them
// to the backend by record count, byte size or explicit flush.
type Buffer struct {
	client         *Client
	maxRecords     int
	maxBytes       int
	commitInterval int

	adds     bytes.Buffer
	addCount int
	deletes  []string
}

// NewBuffer creates a Buffer on top of a Client.
func NewBuffer(client *Client, opts BufferOptions) *Buffer {
	return &Buffer{
		client:         client,
		maxRecords:     opts.MaxUpdateRecords,
		maxBytes:       opts.MaxUpdateSize,
		commitInterval: opts.CommitInterval,
	}
}

// Add appends a document to the add batch. A list-valued allfields is
// joined to a single space-separated string first. seq drives the
// intermediate commit cadence.
func (b *Buffer) Add(ctx context.Context, doc map[string]interface{}, seq int64, noCommit bool) error {
	doc = normalizeAllfields(doc)

	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %v: %w", doc["id"], err)
	}
	if b.adds.Len() > 0 {
		b.adds.WriteByte(',')
	}
	b.adds.Write(encoded)
	b.addCount++

	if b.addCount >= b.maxRecords || b.adds.Len() >= b.maxBytes {
		if err := b.sendAdds(ctx); err != nil {
			return err
		}
	}

	if !noCommit && b.commitInterval > 0 && seq%int64(b.commitInterval) == 0 {
		if err := b.client.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Delete enqueues a deletion by id.
func (b *Buffer) Delete(ctx context.Context, id string) error {
	encoded, err := json.Marshal(id)
	if err != nil {
		return err
	}
	b.deletes = append(b.deletes, fmt.Sprintf(`"delete":{"id":%s}`, encoded))
	if len(b.deletes) >= maxBufferedDeletions {
		return b.sendDeletes(ctx)
	}
	return nil
}

// Flush sends any pending batches and awaits the background worker.
func (b *Buffer) Flush(ctx context.Context) error {
	if err := b.sendAdds(ctx); err != nil {
		return err
	}
	if err := b.sendDeletes(ctx); err != nil {
		return err
	}
	return b.client.Wait()
}

func (b *Buffer) sendAdds(ctx context.Context) error {
	if b.addCount == 0 {
		return nil
	}
	body := "[" + b.adds.String() + "]"
	b.adds.Reset()
	b.addCount = 0
	return b.client.Update(ctx, []byte(body))
}

func (b *Buffer) sendDeletes(ctx context.Context) error {
	if len(b.deletes) == 0 {
		return nil
	}
	body := "{" + strings.Join(b.deletes, ",") + "}"
	b.deletes = b.deletes[:0]
	return b.client.Update(ctx, []byte(body))
}

// normalizeAllfields joins a list-valued allfields to the scalar the
// backend expects. The document is copied when modified.
func normalizeAllfields(doc map[string]interface{}) map[string]interface{} {
	list, ok := doc["allfields"].([]interface{})
	if !ok {
		if strs, ok := doc["allfields"].([]string); ok {
			out := copyDoc(doc)
			out["allfields"] = strings.Join(strs, " ")
			return out
		}
		return doc
	}
	parts := make([]string, 0, len(list))
	for _, v := range list {
		parts = append(parts, fmt.Sprint(v))
	}
	out := copyDoc(doc)
	out["allfields"] = strings.Join(parts, " ")
	return out
}

func copyDoc(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
