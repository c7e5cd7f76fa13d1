// Package documents fetches clinical documents stored as FHIR Binary
// resources in S3 and turns them into plain text.
package documents

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound           = errors.New("binary not found")
	ErrInvalidBinary      = errors.New("invalid binary resource")
	ErrUnsupportedContent = errors.New("unsupported content type")
	ErrTooLarge           = errors.New("binary exceeds size limit")
)

const defaultMaxBytes = 64 << 20

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Binary is a decoded FHIR Binary resource.
type Binary struct {
	ID          string
	ContentType string
	Data        []byte
}

// ObjectInfo describes a stored Binary object.
type ObjectInfo struct {
	Key          string
	BinaryID     string
	Size         int64
	LastModified time.Time
}

// Store reads Binary resources from one bucket and prefix.
type Store struct {
	s3       S3API
	ocr      OCR
	bucket   string
	prefix   string
	maxBytes int64
	logger   zerolog.Logger
}

// NewStore creates a Store. ocr may be nil, in which case scanned
// documents cannot be converted to text.
func NewStore(api S3API, ocr OCR, bucket, prefix string, logger zerolog.Logger) *Store {
	return &Store{
		s3:       api,
		ocr:      ocr,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		maxBytes: defaultMaxBytes,
		logger:   logger.With().Str("component", "documents").Logger(),
	}
}

// Key maps a Binary id to its object key. Dots in ids are stored as
// underscores.
func (s *Store) Key(binaryID string) string {
	return path.Join(s.prefix, strings.ReplaceAll(binaryID, ".", "_"))
}

// Exists reports whether the Binary object is present.
func (s *Store) Exists(ctx context.Context, binaryID string) (bool, error) {
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(binaryID)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", binaryID, err)
}

// Fetch downloads and decodes a Binary. Objects that are not FHIR JSON are
// returned as raw bytes with the object's content type.
func (s *Store) Fetch(ctx context.Context, binaryID string) (*Binary, error) {
	key := s.Key(binaryID)
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, binaryID)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(out.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, binaryID)
	}

	bin, err := DecodeBinary(body)
	if errors.Is(err, errNotJSON) {
		s.logger.Debug().Str("binary_id", binaryID).Msg("object is not a FHIR resource, using raw bytes")
		return &Binary{ID: binaryID, ContentType: aws.ToString(out.ContentType), Data: body}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", binaryID, err)
	}
	if bin.ID == "" {
		bin.ID = binaryID
	}
	return bin, nil
}

// List returns up to max Binary objects under the prefix. max <= 0 lists
// everything.
func (s *Store) List(ctx context.Context, max int) ([]ObjectInfo, error) {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}
	p := s3.NewListObjectsV2Paginator(s.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []ObjectInfo
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return objects, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			objects = append(objects, ObjectInfo{
				Key:          key,
				BinaryID:     strings.TrimPrefix(key, prefix),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
			if max > 0 && len(objects) >= max {
				return objects, nil
			}
		}
	}
	return objects, nil
}

var errNotJSON = errors.New("not json")

type binaryResource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	ContentType  string `json:"contentType"`
	Data         string `json:"data"`
}

// DecodeBinary parses a FHIR Binary JSON resource and base64-decodes its
// data.
func DecodeBinary(raw []byte) (*Binary, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotJSON
	}

	var res binaryResource
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBinary, err)
	}
	if res.ResourceType != "" && res.ResourceType != "Binary" {
		return nil, fmt.Errorf("%w: resource type %s", ErrInvalidBinary, res.ResourceType)
	}

	encoded := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, res.Data)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: data is not base64", ErrInvalidBinary)
		}
	}

	return &Binary{ID: res.ID, ContentType: res.ContentType, Data: data}, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
