package schema

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Source lists and reads model files. Names are relative to the source root
// and use forward slashes.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, name string) ([]byte, error)
	String() string
}

// RemoteConfig carries the credentials used by object store sources.
// Empty fields fall back to the SDK defaults where the SDK has them.
type RemoteConfig struct {
	S3KeyID    string
	S3Secret   string
	S3Endpoint string
	S3Region   string

	GCSCredentialsFile string

	AzureAccountName string
	AzureAccountKey  string
}

// IsModelFile reports whether name has a model file extension.
func IsModelFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".yml", ".yaml", ".star":
		return true
	}
	return false
}

// OpenSource returns the source for location: a local directory, s3://bucket/prefix,
// gs://bucket/prefix or az://container/prefix.
func OpenSource(ctx context.Context, location string, cfg RemoteConfig) (Source, error) {
	if !strings.Contains(location, "://") {
		return NewDirSource(location)
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse schema source %q: %w", location, err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "s3":
		return NewS3Source(cfg, u.Host, prefix)
	case "gs":
		return NewGCSSource(ctx, cfg, u.Host, prefix)
	case "az", "azblob":
		return NewAzureSource(cfg, u.Host, prefix)
	case "file":
		return NewDirSource(u.Path)
	default:
		return nil, fmt.Errorf("unsupported schema source scheme %q (expected s3, gs, az or a directory)", u.Scheme)
	}
}

// DirSource reads model files from a local directory tree.
type DirSource struct {
	root string
}

// NewDirSource checks that root is a directory.
func NewDirSource(root string) (*DirSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory: %s is not a directory", root)
	}
	return &DirSource{root: root}, nil
}

func (s *DirSource) String() string { return s.root }

func (s *DirSource) List(_ context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsModelFile(p) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.root, err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *DirSource) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// S3Source reads model objects below a prefix of an S3 (or S3-compatible) bucket.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Source creates an S3 client with static credentials and path-style
// addressing, which S3-compatible stores require.
func NewS3Source(cfg RemoteConfig, bucket, prefix string) (*S3Source, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 schema source needs a bucket")
	}
	opts := s3.Options{Region: cfg.S3Region, UsePathStyle: true}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if cfg.S3KeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.S3KeyID, cfg.S3Secret, "")
	}
	if cfg.S3Endpoint != "" {
		endpoint := cfg.S3Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return &S3Source{client: s3.New(opts), bucket: bucket, prefix: prefix}, nil
}

func (s *S3Source) String() string { return "s3://" + s.bucket + "/" + s.prefix }

func (s *S3Source) List(ctx context.Context) ([]string, error) {
	var names []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if IsModelFile(key) {
				names = append(names, relativeKey(s.prefix, key))
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *S3Source) Read(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path.Join(s.prefix, name)),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, path.Join(s.prefix, name), err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// GCSSource reads model objects below a prefix of a Google Cloud Storage bucket.
type GCSSource struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSource creates a GCS client, authenticated with a service account key
// file when one is configured and with application default credentials otherwise.
func NewGCSSource(ctx context.Context, cfg RemoteConfig, bucket, prefix string) (*GCSSource, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gs schema source needs a bucket")
	}
	var opts []option.ClientOption
	if cfg.GCSCredentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.GCSCredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSSource{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSSource) String() string { return "gs://" + s.bucket + "/" + s.prefix }

func (s *GCSSource) List(ctx context.Context) ([]string, error) {
	var names []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s, err)
		}
		if IsModelFile(attrs.Name) {
			names = append(names, relativeKey(s.prefix, attrs.Name))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *GCSSource) Read(ctx context.Context, name string) ([]byte, error) {
	key := path.Join(s.prefix, name)
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gs://%s/%s: %w", s.bucket, key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// AzureSource reads model blobs below a prefix of an Azure Blob Storage container.
type AzureSource struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureSource creates a blob client from an account name and shared key.
func NewAzureSource(cfg RemoteConfig, container, prefix string) (*AzureSource, error) {
	if container == "" {
		return nil, fmt.Errorf("az schema source needs a container")
	}
	if cfg.AzureAccountName == "" || cfg.AzureAccountKey == "" {
		return nil, fmt.Errorf("az schema source needs AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccountName, cfg.AzureAccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AzureAccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureSource{client: client, container: container, prefix: prefix}, nil
}

func (s *AzureSource) String() string { return "az://" + s.container + "/" + s.prefix }

func (s *AzureSource) List(ctx context.Context) ([]string, error) {
	var names []string
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &s.prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil && IsModelFile(*item.Name) {
				names = append(names, relativeKey(s.prefix, *item.Name))
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *AzureSource) Read(ctx context.Context, name string) ([]byte, error) {
	key := path.Join(s.prefix, name)
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		return nil, fmt.Errorf("get az://%s/%s: %w", s.container, key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func relativeKey(prefix, key string) string {
	rel := strings.TrimPrefix(key, prefix)
	return strings.TrimPrefix(rel, "/")
}
