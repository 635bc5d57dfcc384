// Package s3 wraps the AWS SDK v2 S3 client behind the narrow get/
// put/delete/exists surface the remote object source needs, with
// provider-aware endpoint handling and rotatable credentials.
package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kenneth/quoco/internal/config"
)

// CredentialsPathEnv names the environment variable holding the path
// of a credentials file read at client construction and watched for
// rotation afterwards.
const CredentialsPathEnv = "QUOCO_REMOTE_CREDENTIALS"

// Client is the storage surface the remote source drives. Every blob,
// sidecar, and lock operation reduces to these four calls.
type Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, metadata map[string]string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, map[string]string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	HeadObject(ctx context.Context, bucket, key string) (map[string]string, error)
}

// credentialsFile is the YAML document a rotated credentials file
// contains.
type credentialsFile struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// rotatingCredentials is an aws.CredentialsProvider whose key pair can
// be swapped while requests are in flight.
type rotatingCredentials struct {
	mu        sync.RWMutex
	accessKey string
	secretKey string
}

func (rc *rotatingCredentials) Retrieve(context.Context) (aws.Credentials, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.accessKey == "" {
		return aws.Credentials{}, fmt.Errorf("no remote credentials configured")
	}
	return aws.Credentials{
		AccessKeyID:     rc.accessKey,
		SecretAccessKey: rc.secretKey,
		Source:          "quoco",
	}, nil
}

func (rc *rotatingCredentials) set(accessKey, secretKey string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.accessKey = accessKey
	rc.secretKey = secretKey
}

// s3Client implements Client over the AWS SDK v2.
type s3Client struct {
	client  *s3.Client
	creds   *rotatingCredentials
	watcher *config.CredentialsWatcher
	log     *logrus.Entry
}

// NewClient builds a client for cfg's provider. Endpoint and region
// fall back to the provider's defaults; path-style addressing is
// applied where the provider requires it. If CredentialsPathEnv is
// set, that file overrides cfg's inline key pair and is watched for
// rotation.
func NewClient(cfg *config.BackendConfig) (Client, error) {
	endpoint, region, err := ValidateProviderConfig(cfg.Endpoint, cfg.Provider, cfg.Region)
	if err != nil {
		return nil, err
	}

	creds := &rotatingCredentials{}
	creds.set(cfg.AccessKey, cfg.SecretKey)

	c := &s3Client{
		creds: creds,
		log:   logrus.WithField("component", "s3_client").WithField("provider", cfg.Provider),
	}

	if path := os.Getenv(CredentialsPathEnv); path != "" {
		if err := c.loadCredentialsFile(path); err != nil {
			return nil, err
		}
		watcher, err := config.WatchCredentials(path, func(data []byte) {
			c.applyCredentials(path, data)
		})
		if err != nil {
			return nil, err
		}
		c.watcher = watcher
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	c.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" && cfg.Provider != "aws" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if RequiresPathStyleAddressing(cfg.Provider) {
			o.UsePathStyle = true
		}
	})

	return c, nil
}

func (c *s3Client) loadCredentialsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading credentials file %s: %w", path, err)
	}
	return c.parseAndSet(path, data)
}

func (c *s3Client) applyCredentials(path string, data []byte) {
	if err := c.parseAndSet(path, data); err != nil {
		c.log.WithError(err).Warn("ignoring rotated credentials")
		return
	}
	c.log.Info("remote credentials rotated")
}

func (c *s3Client) parseAndSet(path string, data []byte) error {
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing credentials file %s: %w", path, err)
	}
	if f.AccessKey == "" || f.SecretKey == "" {
		return fmt.Errorf("credentials file %s is missing access_key or secret_key", path)
	}
	c.creds.set(f.AccessKey, f.SecretKey)
	return nil
}

// Close stops the credentials watcher, if one is running.
func (c *s3Client) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// PutObject uploads an object. The reader is passed straight through;
// callers that need retry-safe bodies hand in a bytes.Reader.
func (c *s3Client) PutObject(ctx context.Context, bucket, key string, reader io.Reader, metadata map[string]string) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     reader,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("putting object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// GetObject retrieves an object's body and metadata.
func (c *s3Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, map[string]string, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("getting object %s/%s: %w", bucket, key, err)
	}
	return result.Body, result.Metadata, nil
}

// DeleteObject deletes an object. Deleting an absent key is not an
// error, matching S3 semantics.
func (c *s3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// HeadObject retrieves object metadata without the body; the remote
// source uses it as its existence probe. The SDK error is returned
// unwrapped so callers can inspect the API error code.
func (c *s3Client) HeadObject(ctx context.Context, bucket, key string) (map[string]string, error) {
	result, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return result.Metadata, nil
}
