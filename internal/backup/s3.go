package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"strings"
)

// defaultObjectPrefix namespaces snapshot objects when the bucket URL
// carries no prefix of its own.
const defaultObjectPrefix = "usagetap-snapshots"

// S3Config holds parameters for shipping store snapshots to an
// S3-compatible bucket.
type S3Config struct {
	BucketURL    string // s3://bucket[/prefix]
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
	ContentType  string
}

// S3Uploader copies snapshot files to object storage through the AWS CLI
// (`aws s3 cp`). Snapshot filenames sort chronologically, so the bucket
// listing mirrors the local retention directory.
type S3Uploader struct {
	bucket       string
	objectPrefix string
	cfg          S3Config
}

// NewS3Uploader constructs an uploader from an S3 bucket URL and static
// credentials. A bucket URL without a path gets the default snapshot prefix.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	bucket, prefix, err := parseS3BucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = defaultObjectPrefix
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("s3: access key and secret key are required")
	}
	if _, err := exec.LookPath("aws"); err != nil {
		return nil, fmt.Errorf("s3: aws cli not found in PATH")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.ContentType) == "" {
		cfg.ContentType = "application/octet-stream"
	}
	return &S3Uploader{
		bucket:       bucket,
		objectPrefix: prefix,
		cfg:          cfg,
	}, nil
}

// objectKey maps a local snapshot path to its destination key under the
// configured prefix.
func (u *S3Uploader) objectKey(localPath string) string {
	return path.Join(u.objectPrefix, path.Base(localPath))
}

// UploadFile copies one snapshot file into the bucket. Objects are tagged
// with the originating service so shared buckets stay attributable.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath string) error {
	dest := fmt.Sprintf("s3://%s/%s", u.bucket, u.objectKey(localPath))

	args := []string{
		"s3", "cp", localPath, dest,
		"--region", u.cfg.Region,
		"--content-type", u.cfg.ContentType,
		"--metadata", "service=usagetap",
		"--only-show-errors",
	}
	if endpoint := endpointURL(u.cfg.Endpoint, u.cfg.UseSSL); endpoint != "" {
		args = append(args, "--endpoint-url", endpoint)
	}

	cmd := exec.CommandContext(ctx, "aws", args...)
	cmd.Env = append(os.Environ(),
		"AWS_ACCESS_KEY_ID="+u.cfg.AccessKey,
		"AWS_SECRET_ACCESS_KEY="+u.cfg.SecretKey,
		"AWS_DEFAULT_REGION="+u.cfg.Region,
	)
	if strings.TrimSpace(u.cfg.SessionToken) != "" {
		cmd.Env = append(cmd.Env, "AWS_SESSION_TOKEN="+u.cfg.SessionToken)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("s3: upload %s: %w: %s", path.Base(localPath), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// endpointURL normalizes a custom endpoint. A bare host gets a scheme
// derived from the UseSSL setting.
func endpointURL(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https://"
	if !useSSL {
		scheme = "http://"
	}
	return scheme + endpoint
}

func parseS3BucketURL(raw string) (bucket string, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse bucket-url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3: bucket-url must use s3:// scheme")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("s3: bucket-url missing bucket name")
	}

	prefix = strings.Trim(strings.TrimSpace(u.Path), "/")
	return u.Host, prefix, nil
}
