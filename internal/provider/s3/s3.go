package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	stderr "errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"go.uber.org/zap"

	rconfig "github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/internal/storage"
	"github.com/storeroute/storeroute/pkg/errors"
)

// objectAPI is the subset of *s3.Client a provider uses.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
}

// uploadFunc sends one object through an optimized transport.
type uploadFunc func(ctx context.Context, bucket string, archive cargoships3.Archive) error

// Options configures every S3-backed provider.
type Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
	MaxRetries   int
	Cargoship    rconfig.CargoshipConfig
	Logger       *zap.Logger
}

// OptionsFrom derives provider options from the providers configuration.
func OptionsFrom(cfg rconfig.ProvidersConfig, logger *zap.Logger) Options {
	return Options{
		Region:       cfg.S3.Region,
		Endpoint:     cfg.S3.Endpoint,
		UsePathStyle: cfg.S3.UsePathStyle,
		MaxRetries:   3,
		Cargoship:    cfg.S3.Cargoship,
		Logger:       logger,
	}
}

// Provider stores each space of an account in its own bucket.
type Provider struct {
	account      storage.StorageAccount
	client       objectAPI
	upload       uploadFunc
	bucketPrefix string
	storageClass s3types.StorageClass
	logger       *zap.Logger
}

// StagingProvider is the S3 staging store in front of a snapshot bridge.
type StagingProvider struct {
	*Provider
	endpoint provider.BridgeEndpoint
}

// Bridge returns the bridge the staging store hands snapshots to.
func (p *StagingProvider) Bridge() provider.BridgeEndpoint {
	return p.endpoint
}

// Constructor returns a provider.Constructor for AMAZON_S3, AMAZON_GLACIER
// and CHRON_STAGE accounts.
func Constructor(opts Options) provider.Constructor {
	return func(ctx context.Context, account storage.StorageAccount, _ provider.Routing) (provider.Provider, error) {
		return New(ctx, account, opts)
	}
}

// New builds a provider for account using its username and password as
// access key and secret.
func New(ctx context.Context, account storage.StorageAccount, opts Options) (provider.Provider, error) {
	if account.Username == "" || account.Password == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "S3 accounts need an access key and secret").
			WithComponent("provider.s3").
			WithContext("store_id", account.ID)
	}

	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithRetryMaxAttempts(opts.MaxRetries),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(account.Username, account.Password, ""),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to load AWS config").
			WithComponent("provider.s3")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		if opts.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	p, err := newProvider(account, client, opts)
	if err != nil {
		return nil, err
	}

	if opts.Cargoship.Enabled {
		p.upload = cargoshipUploader(client, opts.Cargoship, p.logger)
		p.logger.Debug("cargoship uploads enabled",
			zap.Int64("multipart_threshold", opts.Cargoship.MultipartThreshold),
			zap.Int("concurrency", opts.Cargoship.Concurrency))
	}

	if account.Type == storage.ProviderChronStage {
		endpoint, err := provider.BridgeEndpointFor(account)
		if err != nil {
			return nil, err
		}
		return &StagingProvider{Provider: p, endpoint: endpoint}, nil
	}
	return p, nil
}

func newProvider(account storage.StorageAccount, client objectAPI, opts Options) (*Provider, error) {
	class, err := storageClassFor(account)
	if err != nil {
		return nil, err
	}
	return &Provider{
		account:      account,
		client:       client,
		bucketPrefix: strings.ToLower(account.Username) + ".",
		storageClass: class,
		logger: logging.OrNamed(opts.Logger, "provider.s3").With(
			logging.StoreID(account.ID),
			zap.String("provider_type", string(account.Type)),
		),
	}, nil
}

// cargoshipUploader sends objects through a cargoship transporter. The
// transporter is bound to one bucket, so one is kept per space.
func cargoshipUploader(client *s3.Client, cfg rconfig.CargoshipConfig, logger *zap.Logger) uploadFunc {
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 32 * 1024 * 1024
	}
	if cfg.MultipartChunkSize <= 0 {
		cfg.MultipartChunkSize = 16 * 1024 * 1024
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	transporters := newTransporterCache(func(bucket string) *cargoships3.Transporter {
		return cargoships3.NewTransporter(client, awsconfig.S3Config{
			Bucket:             bucket,
			StorageClass:       awsconfig.StorageClassStandard,
			MultipartThreshold: cfg.MultipartThreshold,
			MultipartChunkSize: cfg.MultipartChunkSize,
			Concurrency:        cfg.Concurrency,
		})
	})

	return func(ctx context.Context, bucket string, archive cargoships3.Archive) error {
		result, err := transporters.get(bucket).Upload(ctx, archive)
		if err != nil {
			return err
		}
		logger.Debug("cargoship upload completed",
			zap.String("bucket", bucket),
			zap.String("key", archive.Key),
			zap.Int64("size", archive.Size),
			zap.Any("throughput", result.Throughput),
			zap.Any("duration", result.Duration))
		return nil
	}
}

// Type implements provider.Provider.
func (p *Provider) Type() storage.ProviderType { return p.account.Type }

// StoreID implements provider.Provider.
func (p *Provider) StoreID() string { return p.account.ID }

// StorageClass is the class new objects are written with.
func (p *Provider) StorageClass() s3types.StorageClass { return p.storageClass }

// Bucket returns the bucket backing spaceID.
func (p *Provider) Bucket(spaceID string) string {
	return p.bucketPrefix + spaceID
}

// ListContents returns every key in the space starting with prefix.
func (p *Provider) ListContents(ctx context.Context, spaceID, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(p.Bucket(spaceID)),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(p.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, p.translateError(err, "ListObjects", spaceID, "")
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// GetContent opens an object. The caller closes Body.
func (p *Provider) GetContent(ctx context.Context, spaceID, contentID string) (*provider.Content, error) {
	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.Bucket(spaceID)),
		Key:    aws.String(contentID),
	})
	if err != nil {
		return nil, p.translateError(err, "GetObject", spaceID, contentID)
	}

	return &provider.Content{
		Body:        result.Body,
		Size:        aws.ToInt64(result.ContentLength),
		ContentType: aws.ToString(result.ContentType),
		Checksum:    bodyChecksum(result),
		Properties:  copyMetadata(result.Metadata),
	}, nil
}

func bodyChecksum(result *s3.GetObjectOutput) string {
	switch result.ServerSideEncryption {
	case s3types.ServerSideEncryptionAwsKms, s3types.ServerSideEncryptionAwsKmsDsse:
		return ""
	}
	if aws.ToString(result.SSECustomerAlgorithm) != "" {
		return ""
	}
	return provider.BodyMD5(strings.Trim(aws.ToString(result.ETag), `"`))
}

// PutContent writes an object. The body is buffered so a failed optimized
// upload can fall back to a plain PutObject.
func (p *Provider) PutContent(ctx context.Context, spaceID, contentID string, content *provider.Content) error {
	if content == nil || content.Body == nil {
		return errors.Newf(errors.ErrCodeValidationFailed, "no body for %s/%s", spaceID, contentID).
			WithComponent("provider.s3")
	}

	data, err := io.ReadAll(content.Body)
	if err != nil {
		return fmt.Errorf("read content body: %w", err)
	}

	sum := md5.Sum(data)
	checksum := hex.EncodeToString(sum[:])
	if expected := provider.BodyMD5(content.Checksum); expected != "" && !strings.EqualFold(expected, checksum) {
		return errors.Newf(errors.ErrCodeProviderRejected, "checksum mismatch for %s/%s", spaceID, contentID).
			WithComponent("provider.s3").
			WithContext("expected", content.Checksum).
			WithContext("actual", checksum)
	}

	contentType := content.ContentType
	if contentType == "" {
		contentType = detectContentType(contentID)
	}
	bucket := p.Bucket(spaceID)

	if p.upload != nil {
		metadata := copyMetadata(content.Properties)
		metadata["content-type"] = contentType
		err := p.upload(ctx, bucket, cargoships3.Archive{
			Key:          contentID,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: cargoshipStorageClass(p.storageClass),
			Metadata:     metadata,
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("cargoship upload failed, falling back to PutObject",
			zap.String("key", contentID), logging.Err(err))
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(contentID),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		StorageClass:  p.storageClass,
		Metadata:      copyMetadata(content.Properties),
	})
	if err != nil {
		return p.translateError(err, "PutObject", spaceID, contentID)
	}
	return nil
}

// DeleteContent removes an object.
func (p *Provider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.Bucket(spaceID)),
		Key:    aws.String(contentID),
	})
	if err != nil {
		return p.translateError(err, "DeleteObject", spaceID, contentID)
	}
	return nil
}

// ContentExists reports whether an object is present.
func (p *Provider) ContentExists(ctx context.Context, spaceID, contentID string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.Bucket(spaceID)),
		Key:    aws.String(contentID),
	})
	if err == nil {
		return true, nil
	}
	err = p.translateError(err, "HeadObject", spaceID, contentID)
	if errors.CodeOf(err) == errors.ErrCodeContentNotFound {
		return false, nil
	}
	return false, err
}

// HealthCheck lists the account's buckets to confirm credentials and reachability.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		return p.translateError(err, "ListBuckets", "", "")
	}
	return nil
}

// SpaceExists reports whether the bucket backing spaceID is reachable.
func (p *Provider) SpaceExists(ctx context.Context, spaceID string) (bool, error) {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.Bucket(spaceID))})
	if err == nil {
		return true, nil
	}
	err = p.translateError(err, "HeadBucket", spaceID, "")
	if errors.CodeOf(err) == errors.ErrCodeSpaceNotFound {
		return false, nil
	}
	return false, err
}

// Close implements provider.Provider. The SDK client holds no resources
// that need releasing.
func (p *Provider) Close() error { return nil }

func (p *Provider) translateError(err error, operation, spaceID, contentID string) error {
	notFound := isErrorType[*s3types.NotFound](err)
	switch {
	case isErrorType[*s3types.NoSuchKey](err), notFound && contentID != "":
		return errors.Newf(errors.ErrCodeContentNotFound, "content not found: %s/%s", spaceID, contentID).
			WithComponent("provider.s3").
			WithOperation(operation).
			WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err), notFound:
		return errors.Newf(errors.ErrCodeSpaceNotFound, "space not found: %s", spaceID).
			WithComponent("provider.s3").
			WithOperation(operation).
			WithContext("bucket", p.Bucket(spaceID)).
			WithCause(err)
	}

	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccountProblem",
			"InvalidObjectState", "InvalidStorageClass", "BadDigest":
			return errors.Wrap(err, errors.ErrCodeProviderRejected, operation+" rejected").
				WithComponent("provider.s3").
				WithOperation(operation).
				WithContext("aws_code", apiErr.ErrorCode())
		}
	}
	return fmt.Errorf("%s failed for %s/%s: %w", operation, spaceID, contentID, err)
}

// storageClassFor resolves the class new objects are written with. Glacier
// accounts always write GLACIER; others honor the storage-class option.
func storageClassFor(account storage.StorageAccount) (s3types.StorageClass, error) {
	if account.Type == storage.ProviderAmazonGlacier {
		return s3types.StorageClassGlacier, nil
	}

	opt := account.Option(storage.OptStorageClass)
	if opt == "" {
		return s3types.StorageClassStandard, nil
	}

	want := s3types.StorageClass(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(opt), "-", "_")))
	for _, known := range want.Values() {
		if known == want {
			return want, nil
		}
	}
	return "", errors.Newf(errors.ErrCodeInvalidConfig, "unknown storage class %q", opt).
		WithComponent("provider.s3").
		WithContext("store_id", account.ID)
}

func cargoshipStorageClass(class s3types.StorageClass) awsconfig.StorageClass {
	switch class {
	case s3types.StorageClassStandardIa:
		return awsconfig.StorageClassStandardIA
	case s3types.StorageClassOnezoneIa:
		return awsconfig.StorageClassOneZoneIA
	case s3types.StorageClassGlacier, s3types.StorageClassGlacierIr:
		return awsconfig.StorageClassGlacier
	case s3types.StorageClassDeepArchive:
		return awsconfig.StorageClassDeepArchive
	case s3types.StorageClassIntelligentTiering:
		return awsconfig.StorageClassIntelligentTiering
	default:
		return awsconfig.StorageClassStandard
	}
}

func detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".html"):
		return "text/html"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}
