// Package objectstore provides durable artifact storage on a NATS JetStream object store.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	objectKeyFormat = "tts_output_%d_%s%s"
	natsURLFormat   = "nats://%s/%s"
	metaSourcePath  = "source-path"
)

// ErrEmptyBucket indicates that no bucket name was configured.
var ErrEmptyBucket = errors.New("object store bucket name cannot be empty")

// NatsObjectStore stores synthesis artifacts in a JetStream object store bucket.
type NatsObjectStore struct {
	bucket        string
	publicBaseURL string
	store         nats.ObjectStore
	log           *logger.Logger
}

// New creates the bucket, or binds to it if it already exists.
// publicBaseURL, when set, prefixes object keys to form public URLs.
func New(
	jetstreamContext nats.JetStreamContext,
	bucketName string,
	publicBaseURL string,
	log *logger.Logger,
) (*NatsObjectStore, error) {
	if bucketName == "" {
		return nil, ErrEmptyBucket
	}

	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Synthesized audio in the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket:        bucketName,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		store:         store,
		log:           log,
	}, nil
}

// Download retrieves an object from the bucket. A missing key wraps
// core.ErrArtifactNotFound.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key, nats.Context(ctx))
	if errors.Is(err, nats.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrArtifactNotFound, key)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// UploadFile stores a local artifact under a fresh time-unique key and
// returns the URL it can be fetched from.
func (n *NatsObjectStore) UploadFile(ctx context.Context, localPath string) (string, error) {
	file, err := os.Open(localPath) // #nosec G304 -- path is a job artifact produced by this service
	if err != nil {
		return "", fmt.Errorf("failed to open artifact '%s': %w", localPath, err)
	}

	defer func() {
		_ = file.Close()
	}()

	key := ObjectKey(localPath, time.Now())

	putErr := n.put(ctx, &nats.ObjectMeta{
		Name:     key,
		Metadata: map[string]string{metaSourcePath: filepath.Base(localPath)},
	}, file)
	if putErr != nil {
		return "", putErr
	}

	n.log.Info("Uploaded %s to bucket %s as %s", localPath, n.bucket, key)

	return n.URL(key), nil
}

// URL returns the public URL of key, or a nats:// URL when no public base is
// configured. Pointing the public base at the artifacts route of the HTTP API
// makes every returned URL fetchable.
func (n *NatsObjectStore) URL(key string) string {
	if n.publicBaseURL != "" {
		return n.publicBaseURL + "/" + key
	}

	return fmt.Sprintf(natsURLFormat, n.bucket, key)
}

// ObjectKey derives the storage key of an artifact from its extension and the upload time.
func ObjectKey(localPath string, now time.Time) string {
	return fmt.Sprintf(objectKeyFormat, now.Unix(), uuid.NewString(), strings.ToLower(filepath.Ext(localPath)))
}

func (n *NatsObjectStore) put(ctx context.Context, meta *nats.ObjectMeta, reader io.Reader) error {
	_, err := n.store.Put(meta, reader, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", meta.Name, n.bucket, err)
	}

	return nil
}
