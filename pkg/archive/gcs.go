package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// GCSArchive writes job cards to a Google Cloud Storage bucket using
// application default credentials.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSArchive(ctx context.Context, bucket, prefix string) (*GCSArchive, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs archive: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: bucket, prefix: prefix}, nil
}

func (a *GCSArchive) Archive(ctx context.Context, r contracts.WeeklyFlagRecord) error {
	data, hash, err := Encode(r)
	if err != nil {
		return err
	}
	key := Key(a.prefix, r, hash)

	// a failed precondition means the same card is already stored
	obj := a.client.Bucket(a.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return &contracts.PersistenceError{Op: "gcs write " + key, Err: err}
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return &contracts.PersistenceError{Op: "gcs close " + key, Err: err}
	}
	return nil
}

func (a *GCSArchive) Close() error { return a.client.Close() }

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
