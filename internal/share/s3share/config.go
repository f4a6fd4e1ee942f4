package s3share

import (
	"errors"
	"fmt"
)

type Config struct {
	// Bucket holds the share. Defaults to the share name.
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// Endpoint points at an S3 compatible server (minio, localstack). Implies path style.
	Endpoint string
	// CreateBucket creates the bucket on first use when it is missing.
	CreateBucket bool
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3share: bucket is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("s3share: credentials for bucket %q are incomplete", c.Bucket)
	}
	if c.Region == "" {
		c.Region = defaultRegion
	}
	return nil
}
