// Package mongodb implements the blob store on MongoDB. Attachment
// bytes and their extracted text live here; PostgreSQL keeps only the
// storage key.
package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"papergraph/core/port/out"
)

const (
	collectionBlobs = "document_blobs"

	// Only compress payloads larger than this.
	compressionThreshold = 1024
)

// BlobAdapter implements out.BlobStore using MongoDB.
type BlobAdapter struct {
	collection *mongo.Collection
}

// NewBlobAdapter creates a new BlobAdapter.
func NewBlobAdapter(db *mongo.Database) *BlobAdapter {
	return &BlobAdapter{collection: db.Collection(collectionBlobs)}
}

var _ out.BlobStore = (*BlobAdapter)(nil)

// EnsureIndexes creates necessary indexes for the collection.
func (a *BlobAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "storage_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type blobDocument struct {
	StorageKey  string    `bson:"storage_key"`
	UserID      string    `bson:"user_id"`
	ContentHash string    `bson:"content_hash"`
	MimeType    string    `bson:"mime_type"`

	Data         []byte `bson:"data"`
	IsCompressed bool   `bson:"is_compressed"`
	OriginalSize int64  `bson:"original_size"`

	Text           []byte `bson:"text,omitempty"`
	TextCompressed bool   `bson:"text_compressed"`

	StoredAt time.Time `bson:"stored_at"`
}

// PutBytes stores the blob under its content hash. A hash already
// stored for the user is left untouched, so replayed jobs are free.
func (a *BlobAdapter) PutBytes(ctx context.Context, userID uuid.UUID, contentHash, mimeType string, data []byte) (string, error) {
	storageKey := fmt.Sprintf("%s/%s", userID, contentHash)

	stored := data
	compressed := false
	if len(data) > compressionThreshold {
		c, err := compress(data)
		if err != nil {
			return "", fmt.Errorf("failed to compress blob: %w", err)
		}
		stored = c
		compressed = true
	}

	filter := bson.M{"storage_key": storageKey}
	update := bson.M{
		"$setOnInsert": blobDocument{
			StorageKey:   storageKey,
			UserID:       userID.String(),
			ContentHash:  contentHash,
			MimeType:     mimeType,
			Data:         stored,
			IsCompressed: compressed,
			OriginalSize: int64(len(data)),
			StoredAt:     time.Now().UTC(),
		},
	}

	_, err := a.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return storageKey, nil
}

// GetBytes returns the blob and its MIME type.
func (a *BlobAdapter) GetBytes(ctx context.Context, storageKey string) ([]byte, string, error) {
	var doc blobDocument
	err := a.collection.FindOne(ctx, bson.M{"storage_key": storageKey}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, "", out.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get blob: %w", err)
	}

	data := doc.Data
	if doc.IsCompressed {
		if data, err = decompress(doc.Data); err != nil {
			return nil, "", fmt.Errorf("failed to decompress blob: %w", err)
		}
	}
	return data, doc.MimeType, nil
}

// PutText stores extracted text alongside the blob.
func (a *BlobAdapter) PutText(ctx context.Context, storageKey, text string) error {
	data := []byte(text)
	compressed := false
	if len(data) > compressionThreshold {
		c, err := compress(data)
		if err != nil {
			return fmt.Errorf("failed to compress text: %w", err)
		}
		data = c
		compressed = true
	}

	res, err := a.collection.UpdateOne(ctx,
		bson.M{"storage_key": storageKey},
		bson.M{"$set": bson.M{"text": data, "text_compressed": compressed}})
	if err != nil {
		return fmt.Errorf("failed to store text: %w", err)
	}
	if res.MatchedCount == 0 {
		return out.ErrNotFound
	}
	return nil
}

// GetText returns the extracted text stored for the blob.
func (a *BlobAdapter) GetText(ctx context.Context, storageKey string) (string, error) {
	var doc blobDocument
	opts := options.FindOne().SetProjection(bson.M{"text": 1, "text_compressed": 1})
	err := a.collection.FindOne(ctx, bson.M{"storage_key": storageKey}, opts).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", out.ErrNotFound
		}
		return "", fmt.Errorf("failed to get text: %w", err)
	}

	data := doc.Text
	if doc.TextCompressed {
		if data, err = decompress(doc.Text); err != nil {
			return "", fmt.Errorf("failed to decompress text: %w", err)
		}
	}
	return string(data), nil
}

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
