package storage

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/fireauth2/fireauth2/internal/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements CredentialStore on Google Cloud Firestore.
// Documents are keyed by the Google subject, so writes for the same subject
// overwrite each other (last write wins).
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

var _ CredentialStore = (*FirestoreStore)(nil)

// NewFirestoreStore connects to Firestore in the given project. When
// credsFile is non-empty it is used as the service account key; otherwise
// application default credentials apply.
func NewFirestoreStore(ctx context.Context, projectID, collection, credsFile string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var opts []option.ClientOption
	if credsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credsFile))
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Connected to Firestore", map[string]any{
		"project":    projectID,
		"collection": collection,
	})

	return &FirestoreStore{
		client:     client,
		collection: collection,
	}, nil
}

// Close releases the underlying Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// Get returns the credential for sub, or ErrCredentialNotFound.
func (s *FirestoreStore) Get(ctx context.Context, sub string) (*Credential, error) {
	doc, err := s.client.Collection(s.collection).Doc(sub).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrCredentialNotFound
		}
		return nil, firestoreErr("failed to get credential from Firestore", err)
	}

	var cred Credential
	if err := doc.DataTo(&cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	cred.Sub = doc.Ref.ID
	return &cred, nil
}

// Set creates or replaces the credential document for cred.Sub.
func (s *FirestoreStore) Set(ctx context.Context, cred *Credential) error {
	if cred == nil || cred.Sub == "" {
		return fmt.Errorf("credential subject is required")
	}

	if _, err := s.client.Collection(s.collection).Doc(cred.Sub).Set(ctx, stamped(cred)); err != nil {
		return firestoreErr("failed to store credential in Firestore", err)
	}
	return nil
}

// Delete removes the credential document for sub.
func (s *FirestoreStore) Delete(ctx context.Context, sub string) error {
	if _, err := s.client.Collection(s.collection).Doc(sub).Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return firestoreErr("failed to delete credential from Firestore", err)
	}
	return nil
}

// firestoreErr wraps a Firestore failure, normalizing gRPC deadline errors
// to context.DeadlineExceeded so callers can classify them as timeouts.
func firestoreErr(msg string, err error) error {
	if status.Code(err) == codes.DeadlineExceeded && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", msg, context.DeadlineExceeded, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
