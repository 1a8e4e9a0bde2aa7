package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "idempotency_keys"

// FirestoreStore claims keys inside a Firestore transaction. Configure a TTL policy on
// expiresAt to let Firestore purge stale documents.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	ref := s.client.Collection(s.collection).Doc(documentID(key))
	var (
		outcome Outcome
		entry   Entry
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		found := true
		entry = Entry{}
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			found = false
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&entry); err != nil {
				return err
			}
		}
		outcome, err = decide(entry, found, fingerprint, now)
		if err != nil || outcome != OutcomeClaimed {
			return err
		}
		entry = Entry{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
		return tx.Set(ref, entry)
	}, firestore.MaxAttempts(5))
	if err != nil {
		return 0, Entry{}, err
	}
	return outcome, entry, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key string, entry Entry) error {
	_, err := s.client.Collection(s.collection).Doc(documentID(key)).Set(ctx, entry)
	return err
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	_, err := s.client.Collection(s.collection).Doc(documentID(key)).Delete(ctx)
	return err
}

// CleanupExpired deletes up to limit entries whose expiresAt has passed.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.client.Collection(s.collection).Where("expiresAt", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(docs), nil
}
