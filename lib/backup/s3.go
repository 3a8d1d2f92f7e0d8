package backup

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/ValentinKolb/tidewater/lib/adapter"
)

// --------------------------------------------------------------------------
// Object Store Destination
// --------------------------------------------------------------------------

// S3Params configures the object store destination
type S3Params struct {
	// Endpoint overrides the default S3 endpoint, e.g. "127.0.0.1:9000".
	Endpoint string
	// Scheme is "http" or "https"; only consulted with a custom endpoint.
	Scheme string
	// Region of the bucket. Empty resolves through the profile.
	Region string
	// Profile selects a non-default shared-credentials profile.
	Profile string
	// Bucket receives the backup; created when missing.
	Bucket string
	// Prefix is the target key prefix; it must be empty apart from the
	// prefix marker itself.
	Prefix string
	// UseVirtualAddressing selects bucket-named virtual hosts. Custom
	// endpoints generally require path style.
	UseVirtualAddressing bool
}

// ToS3 streams a hot backup of the engine (and key store) to an
// S3-compatible object store. Partial uploads are not rolled back; retry to
// a fresh prefix.
func ToS3(kv *adapter.KVEngine, params S3Params, barrier sync.Locker) error {
	files, release, err := populate(kv, params.Prefix, barrier)
	if err != nil {
		return err
	}
	defer release()

	client, err := newS3Client(params)
	if err != nil {
		return err
	}

	// check if the bucket already exists and skip the create if it does
	bucketExists := false
	{
		out, err := client.ListBuckets(&s3.ListBucketsInput{})
		if err != nil {
			return adapter.WrapError(adapter.ErrCInternalError, err, "cannot list buckets on storage server")
		}
		for _, bucket := range out.Buckets {
			if aws.StringValue(bucket.Name) == params.Bucket {
				bucketExists = true
			}
		}
	}

	if !bucketExists {
		if _, err := client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(params.Bucket)}); err != nil {
			return adapter.WrapError(adapter.ErrCInvalidPath, err,
				"cannot create '"+params.Bucket+"' bucket for the backup")
		}
		log.Infof("successfully created bucket for backup: %s", params.Bucket)
	}

	// fail when the target location already holds objects
	if bucketExists {
		in := &s3.ListObjectsInput{Bucket: aws.String(params.Bucket)}
		if params.Prefix != "" {
			in.Prefix = aws.String(params.Prefix)
		}
		out, err := client.ListObjects(in)
		if err != nil {
			return adapter.WrapError(adapter.ErrCInvalidPath, err, "cannot list objects in the target location")
		}
		root := params.Prefix + "/"
		for _, obj := range out.Contents {
			if aws.StringValue(obj.Key) != root {
				return adapter.Errorf(adapter.ErrCInvalidPath,
					"target location is not empty: %s/%s", params.Bucket, params.Prefix)
			}
		}
	}

	for _, file := range files {
		key := objectKey(params.Prefix, file)
		log.Debugf("uploading file: %s", file.Src)
		log.Debugf("      key name: %s", key)

		if err := putFile(client, params.Bucket, key, file); err != nil {
			return err
		}
		log.Debugf("successfully uploaded file: %s", key)
	}
	return nil
}

// objectKey rebuilds the destination key from the manifest entry. populate
// already placed Dst under the prefix; normalize to forward slashes.
func objectKey(prefix string, file FileEntry) string {
	rel, err := filepath.Rel(prefix, file.Dst)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(file.Dst)
	}
	return path.Join(prefix, filepath.ToSlash(rel))
}

func putFile(client *s3.S3, bucket, key string, file FileEntry) error {
	f, err := os.Open(file.Src)
	if err != nil {
		return adapter.WrapError(adapter.ErrCInvalidPath, err, "cannot open file '"+file.Src+"' for backup")
	}
	defer f.Close()

	// upload exactly the snapshot bytes, not whatever the file has grown to
	body := io.NewSectionReader(f, 0, file.Size)
	_, err = client.PutObject(&s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(file.Size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return adapter.WrapError(adapter.ErrCInternalError, err, "cannot backup '"+file.Src+"'")
	}
	return nil
}

// newS3Client builds the client the way the fragment stores do: explicit
// endpoint forces path style, the profile selects shared credentials.
func newS3Client(params S3Params) (*s3.S3, error) {
	awsConfig := aws.NewConfig()
	awsConfig.WithCredentialsChainVerboseErrors(true)

	if params.Region != "" {
		awsConfig.WithRegion(params.Region)
	}
	if params.Endpoint != "" {
		endpoint := params.Endpoint
		if params.Scheme != "" {
			endpoint = params.Scheme + "://" + endpoint
		}
		awsConfig.WithEndpoint(endpoint)
		if !params.UseVirtualAddressing {
			// bucket-named virtual hosts are not compatible with explicit
			// endpoints
			awsConfig.WithS3ForcePathStyle(true)
		}
	}

	awsSession, err := session.NewSessionWithOptions(session.Options{
		Profile: params.Profile,
	})
	if err != nil {
		return nil, adapter.WrapError(adapter.ErrCInternalError, err, "constructing S3 session")
	}
	if params.Region == "" && (awsSession.Config.Region == nil || *awsSession.Config.Region == "") {
		return nil, adapter.Errorf(adapter.ErrCInvalidOptions,
			"missing AWS region configuration for profile %q", params.Profile)
	}
	return s3.New(awsSession, awsConfig), nil
}
