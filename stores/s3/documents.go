package s3

import (
	"bytes"
	"collabdocs-server/core"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// objectAPI is the part of *s3.Client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type documentStore struct {
	client objectAPI
	bucket string
	prefix string
}

// NewDocumentStore creates an S3-backed store. Each document is one JSON object under
// prefix; conditional writes use the object's ETag, so the bucket must support
// If-Match / If-None-Match on PutObject.
func NewDocumentStore(bucketName, prefix string) core.DocumentStore {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}
	return newDocumentStore(s3.NewFromConfig(cfg), bucketName, prefix)
}

func newDocumentStore(client objectAPI, bucket, prefix string) *documentStore {
	return &documentStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *documentStore) key(id string) (string, error) {
	// Ids are plain names, never paths.
	if id == "" || id == "." || id == ".." || path.Base(id) != id {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	return s.prefix + id + ".json", nil
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	doc, _, err := s.get(ctx, id)
	return doc, err
}

// get returns the document and the ETag of the object it was read from.
func (s *documentStore) get(ctx context.Context, id string) (*core.Document, string, error) {
	log := logrus.WithField("document_id", id)

	key, err := s.key(id)
	if err != nil {
		return nil, "", fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isCode(err, "NoSuchKey", "NotFound") {
			log.WithField("error", "document not found").Warn("Document with specified ID not found")
			return nil, "", fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, "", fmt.Errorf("failed to get document with id %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read document data: %w", err)
	}

	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal document %s: %w", id, err)
	}
	return &doc, aws.ToString(resp.ETag), nil
}

func (s *documentStore) Create(ctx context.Context, content string) (*core.Document, error) {
	now := time.Now().UTC()
	doc := &core.Document{
		ID:        ulid.Make().String(),
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	key, err := s.key(doc.ID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload document: %w", err)
	}

	logrus.WithField("document_id", doc.ID).Info("Document created successfully")
	return doc, nil
}

func (s *documentStore) CompareAndWrite(ctx context.Context, id string, expectedVersion int64, content string) (*core.Document, error) {
	log := logrus.WithFields(logrus.Fields{
		"document_id":      id,
		"expected_version": expectedVersion,
	})

	doc, etag, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Version != expectedVersion {
		log.WithField("version", doc.Version).Debug("Version mismatch on write")
		return nil, fmt.Errorf("document with id %s at version %d: %w", id, doc.Version, core.ErrVersionMismatch)
	}

	doc.Content = content
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	key, _ := s.key(id)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfMatch:     aws.String(etag),
	})
	if err != nil {
		switch {
		case isCode(err, "PreconditionFailed", "ConditionalRequestConflict"):
			log.Debug("Object changed since read")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrVersionMismatch)
		case isCode(err, "NoSuchKey", "NotFound"):
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to write document")
		return nil, fmt.Errorf("failed to save document %s: %w", id, err)
	}

	log.WithField("version", doc.Version).Debug("Document written")
	return doc, nil
}

func (s *documentStore) List(ctx context.Context) ([]core.Document, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	docs := make([]core.Document, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}
		for _, object := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(object.Key), s.prefix)
			id, ok := strings.CutSuffix(name, ".json")
			if !ok || strings.Contains(id, "/") {
				continue
			}
			doc, err := s.FindID(ctx, id)
			if err != nil {
				logrus.WithError(err).WithField("key", aws.ToString(object.Key)).Warn("Failed to read listed document, skipping")
				continue
			}
			docs = append(docs, *doc)
		}
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].ID > docs[j].ID
		}
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	return docs, nil
}

func (s *documentStore) Delete(ctx context.Context, id string) error {
	key, err := s.key(id)
	if err != nil {
		return fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	// DeleteObject succeeds for missing keys, so check first.
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isCode(err, "NoSuchKey", "NotFound") {
			return fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		return fmt.Errorf("failed to stat document %s: %w", id, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}

	logrus.WithField("document_id", id).Info("Document deleted successfully")
	return nil
}

func isCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
