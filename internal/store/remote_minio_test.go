package store

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/kenneth/quoco/internal/config"
	"github.com/kenneth/quoco/internal/crypto"
	quocos3 "github.com/kenneth/quoco/internal/s3"
)

const minioImage = "minio/minio:RELEASE.2024-01-16T16-07-38Z"

// startMinio brings up a MinIO container with a fresh bucket and
// returns a client configured against it. Tests are skipped when no
// container runtime is available.
func startMinio(t *testing.T, bucket string) quocos3.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	ctr, err := tcminio.Run(ctx, minioImage)
	if err != nil {
		t.Skipf("starting minio container: %v", err)
	}
	t.Cleanup(func() {
		_ = ctr.Terminate(context.Background())
	})

	endpoint, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	endpoint = "http://" + endpoint

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			ctr.Username, ctr.Password, "",
		)),
	)
	require.NoError(t, err)

	admin := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	_, err = admin.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err)

	client, err := quocos3.NewClient(&config.BackendConfig{
		Provider:  "minio",
		Bucket:    bucket,
		Endpoint:  endpoint,
		AccessKey: ctr.Username,
		SecretKey: ctr.Password,
	})
	require.NoError(t, err)
	return client
}

func TestRemoteSourceRoundTrip(t *testing.T) {
	client := startMinio(t, "quoco-remote")
	ctx := context.Background()
	key := testKey(t)

	src, err := OpenRemoteSource(ctx, client, "quoco-remote", key)
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte{0x42}, 4097)
	id, err := src.CreateObject(bytes.NewReader(plaintext))
	require.NoError(t, err)

	exists, err := src.ObjectExists(id)
	require.NoError(t, err)
	require.True(t, exists)

	r, err := src.Object(id)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, plaintext, got)

	wantHash, err := crypto.HashReader(bytes.NewReader(plaintext))
	require.NoError(t, err)
	gotHash, ok := src.ObjectHash(id)
	require.True(t, ok)
	require.Equal(t, wantHash, gotHash)

	require.NoError(t, src.SetObjectName(id, "replica-object"))
	require.NoError(t, src.Close())

	// Sidecars and the lock release must survive a reopen.
	src, err = OpenRemoteSource(ctx, client, "quoco-remote", key)
	require.NoError(t, err)
	name, ok := src.ObjectName(id)
	require.True(t, ok)
	require.Equal(t, "replica-object", name)
	require.WithinDuration(t, time.Now(), src.LastUpdated(), time.Minute)

	require.NoError(t, src.DeleteObject(id))
	_, ok = src.ObjectHash(id)
	require.False(t, ok)
	require.NoError(t, src.Close())
}

func TestRemoteSourceLockRefusal(t *testing.T) {
	client := startMinio(t, "quoco-locked")
	ctx := context.Background()
	key := testKey(t)

	src, err := OpenRemoteSource(ctx, client, "quoco-locked", key)
	require.NoError(t, err)
	defer src.Close()

	_, err = OpenRemoteSource(ctx, client, "quoco-locked", key)
	var locked ErrSourceLocked
	require.ErrorAs(t, err, &locked)
	require.Equal(t, "s3://quoco-locked", locked.Path)
}
