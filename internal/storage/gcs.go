package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"
)

// GCSStore keeps objects in a Google Cloud Storage bucket as publicly readable objects.
type GCSStore struct {
	svc    *gcs.Service
	bucket string
}

// NewGCSStore authenticates with the service-account JSON at credentialsPath,
// or with application default credentials when the path is empty.
func NewGCSStore(ctx context.Context, bucket, credentialsPath string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is empty")
	}
	var ts oauth2.TokenSource
	if credentialsPath != "" {
		data, err := os.ReadFile(credentialsPath)
		if err != nil {
			return nil, errors.Wrap(err, "read gcs credentials")
		}
		creds, err := google.CredentialsFromJSON(ctx, data, gcs.DevstorageReadWriteScope)
		if err != nil {
			return nil, errors.Wrap(err, "parse gcs credentials")
		}
		ts = creds.TokenSource
	} else {
		dts, err := google.DefaultTokenSource(ctx, gcs.DevstorageReadWriteScope)
		if err != nil {
			return nil, errors.Wrap(err, "default gcs credentials")
		}
		ts = dts
	}
	svc, err := gcs.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, errors.Wrap(err, "create gcs service")
	}
	return &GCSStore{svc: svc, bucket: bucket}, nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	err := s.svc.Objects.List(s.bucket).Prefix(prefix).Pages(ctx, func(page *gcs.Objects) error {
		for _, o := range page.Items {
			out = append(out, Object{Key: o.Name, Size: int64(o.Size), ContentType: o.ContentType, URL: s.PublicURL(o.Name)})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list gcs objects")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.svc.Objects.Get(s.bucket, key).Context(ctx).Download()
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "download gcs object")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read gcs object")
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.svc.Objects.Get(s.bucket, key).Context(ctx).Do()
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "stat gcs object")
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	if err := ValidKey(key); err != nil {
		return Object{}, err
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	obj := &gcs.Object{Name: key, ContentType: contentType, CacheControl: "no-cache"}
	res, err := s.svc.Objects.Insert(s.bucket, obj).
		Media(bytes.NewReader(data), googleapi.ContentType(contentType)).
		PredefinedAcl("publicRead").
		Context(ctx).
		Do()
	if err != nil {
		return Object{}, errors.Wrap(err, "upload gcs object")
	}
	return Object{Key: res.Name, Size: int64(res.Size), ContentType: res.ContentType, URL: s.PublicURL(res.Name)}, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.svc.Objects.Delete(s.bucket, key).Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return errors.Wrap(err, "delete gcs object")
	}
	return nil
}

func (s *GCSStore) PublicURL(key string) string {
	return "https://storage.googleapis.com/" + s.bucket + "/" + key
}
