package storage

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dgellow/login-handshake/internal/log"
)

var (
	_ NonceGuard = (*FirestoreNonceGuard)(nil)
	_ Cleaner    = (*FirestoreNonceGuard)(nil)
)

// FirestoreNonceGuard stores consumed nonces as documents. Firestore has no
// per-document TTL we can rely on, so expired documents are removed by a
// CleanupManager.
type FirestoreNonceGuard struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// ConsumedNonceDoc is the document written for each consumed nonce.
type ConsumedNonceDoc struct {
	ConsumedAt int64 `firestore:"consumed_at"`
	ExpiresAt  int64 `firestore:"expires_at"`
}

// NewFirestoreNonceGuard connects to Firestore.
func NewFirestoreNonceGuard(ctx context.Context, projectID, database, collection string) (*FirestoreNonceGuard, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &FirestoreNonceGuard{client: client, collection: collection, now: time.Now}, nil
}

func (g *FirestoreNonceGuard) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, ErrEmptyNonce
	}
	now := g.now()
	doc := ConsumedNonceDoc{ConsumedAt: now.Unix()}
	if ttl > 0 {
		doc.ExpiresAt = now.Add(ttl).Unix()
	}

	// Create fails if the document exists, which makes it the atomic
	// check-and-set we need.
	_, err := g.client.Collection(g.collection).Doc(nonce).Create(ctx, doc)
	if err == nil {
		return true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return false, fmt.Errorf("failed to consume nonce in Firestore: %w", err)
	}

	// An expired document may still be waiting for cleanup
	snap, getErr := g.client.Collection(g.collection).Doc(nonce).Get(ctx)
	if getErr != nil {
		return false, nil
	}
	var existing ConsumedNonceDoc
	if err := snap.DataTo(&existing); err != nil || existing.ExpiresAt == 0 || existing.ExpiresAt > now.Unix() {
		return false, nil
	}
	updates := []firestore.Update{
		{Path: "consumed_at", Value: doc.ConsumedAt},
		{Path: "expires_at", Value: doc.ExpiresAt},
	}
	if _, err := g.client.Collection(g.collection).Doc(nonce).Update(ctx, updates, firestore.LastUpdateTime(snap.UpdateTime)); err != nil {
		// Someone else reclaimed it first
		return false, nil
	}
	return true, nil
}

// CleanupExpired deletes consumed-nonce documents past their expiry.
func (g *FirestoreNonceGuard) CleanupExpired(ctx context.Context) (int, error) {
	iter := g.client.Collection(g.collection).
		Where("expires_at", ">", 0).
		Where("expires_at", "<=", g.now().Unix()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := g.client.Batch()
	batchSize := 0
	const maxBatchSize = 500 // Firestore batch write limit

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired nonces: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = g.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}

	if count > 0 {
		log.LogDebugWithFields("firestore", "Deleted expired nonces", map[string]any{
			"count": count,
		})
	}
	return count, nil
}

func (g *FirestoreNonceGuard) Close() error {
	return g.client.Close()
}
