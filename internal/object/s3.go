package object

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Config configures the production object store backend. It mirrors the shape of the reference implementation's
// S3Config exactly, down to field names, so operators migrating a deployment can carry the same values over.
type S3Config struct {
	Bucket              string
	Endpoint            string
	AccessKeyID         string
	SecretAccessKey     string
	Region              string
	ForcePathStyle      bool
	ConditionalWritesOK bool // false for S3-compatible gateways that reject If-None-Match/If-Match on PutObject
}

// versionHeader stores the caller-assigned version number as object metadata, since S3 has no native numeric version
// field; the ETag (content hash, assigned by the store) is used as the primary precondition token and the metadata
// version is carried alongside it for parity with the local backend.
const versionHeader = "ssf-version"

// S3Store stores objects in an S3-compatible bucket using conditional PutObject headers (If-None-Match / If-Match)
// for the precondition check described in §4.3. Endpoints that do not support conditional writes (tracked per
// deployment via ConditionalWritesOK) fall back to an in-process coordination map guarded by a mutex, the same
// technique LocalStore uses, so correctness does not depend on backend support for conditional headers.
type S3Store struct {
	client *s3.Client
	bucket string

	conditionalWritesOK bool
	mu                   sync.Mutex
	tokens               map[string]Token
}

// NewS3Store builds an S3-compatible object store client from the given configuration.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{
		client:              client,
		bucket:              cfg.Bucket,
		conditionalWritesOK: cfg.ConditionalWritesOK,
		tokens:              make(map[string]Token),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, pre Precondition) (Token, error) {
	if s.conditionalWritesOK {
		return s.putConditional(ctx, key, data, pre)
	}
	return s.putCoordinated(ctx, key, data, pre)
}

// putConditional relies on the S3-compatible backend enforcing If-None-Match/If-Match itself.
func (s *S3Store) putConditional(ctx context.Context, key string, data []byte, pre Precondition) (Token, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			versionHeader: strconv.FormatInt(nextVersionFor(pre), 10),
		},
	}

	switch pre.Kind {
	case Create:
		input.IfNoneMatch = aws.String("*")
	case Update:
		etag := pre.ParentETag
		if etag == nil {
			// If-Match only carries an etag, so a version-only parent is checked against the current head and the
			// write is then conditioned on the etag that head reported.
			current, err := s.Head(ctx, key)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return Token{}, ErrPrecondition
				}
				return Token{}, err
			}
			if current.ETag == nil || !tokenMatches(current, nil, pre.ParentVersion) {
				return Token{}, ErrPrecondition
			}
			etag = current.ETag
		}
		input.IfMatch = aws.String(*etag)
	case None:
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailure(err) {
			if pre.Kind == Create {
				return Token{}, ErrAlreadyExists
			}
			return Token{}, ErrPrecondition
		}
		return Token{}, fmt.Errorf("s3 put object: %w", err)
	}

	version := nextVersionFor(pre)
	return Token{ETag: out.ETag, Version: &version}, nil
}

// putCoordinated is used for S3-compatible gateways that do not honor conditional PutObject headers (many do not).
// The precondition check happens in-process instead, exactly as LocalStore does.
func (s *S3Store) putCoordinated(ctx context.Context, key string, data []byte, pre Precondition) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.tokens[key]
	switch pre.Kind {
	case Create:
		if exists {
			return Token{}, ErrAlreadyExists
		}
	case Update:
		if !exists || !tokenMatches(current, pre.ParentETag, pre.ParentVersion) {
			return Token{}, ErrPrecondition
		}
	case None:
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return Token{}, fmt.Errorf("s3 put object: %w", err)
	}

	etag := sha256Hex(data)
	version := current.nextVersion()
	tok := Token{ETag: &etag, Version: &version}
	s.tokens[key] = tok
	return tok, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, Token, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, Token{}, ErrNotFound
		}
		return nil, Token{}, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, Token{}, fmt.Errorf("read s3 object body: %w", err)
	}

	return data, tokenFromHead(out.ETag, out.Metadata), nil
}

func (s *S3Store) Head(ctx context.Context, key string) (Token, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("s3 head object: %w", err)
	}
	return tokenFromHead(out.ETag, out.Metadata), nil
}

func tokenFromHead(etag *string, metadata map[string]string) Token {
	tok := Token{ETag: etag}
	if v, ok := metadata[versionHeader]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			tok.Version = &n
		}
	}
	return tok
}

func nextVersionFor(pre Precondition) int64 {
	if pre.ParentVersion != nil {
		return *pre.ParentVersion + 1
	}
	return 1
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isPreconditionFailure(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
