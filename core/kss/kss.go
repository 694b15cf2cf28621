/*
Package kss stores binary content outside of the relational database.

There are two backends: a local file system and AWS S3. Database rows
for images hold only the opaque key that addresses the content here.
*/
package kss

import "context"

// Driver defines the interface for the blob storage service
type Driver interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
}

// DriverType represents the different types of blob storage drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no blob storage configured
const None DriverType = ""

// Configuration contains the configuration for the blob storage service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem driver
type LocalConfiguration struct {
	BasePath string
}

// S3Configuration contains the configuration for the AWS S3 driver
type S3Configuration struct {
	AWSRegion     string
	AWSBucketName string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
}
