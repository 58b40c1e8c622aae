package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/foomo/restorestate/pkg/store"
)

// supportedBlobSchemes lists the URL schemes supported by blob storage
var supportedBlobSchemes = []string{"gs://", "s3://", "azblob://"}

// createStorage creates a storage backend based on the configuration
func createStorage(ctx context.Context, v *viper.Viper, l *zap.Logger) (store.Storage, error) {
	storageType := storageTypeFlag(v)
	blobBucket := storageBlobBucketFlag(v)
	blobPrefix := storageBlobPrefixFlag(v)

	switch storageType {
	case "blob":
		if blobBucket == "" {
			return nil, fmt.Errorf("blob bucket URL is required when storage-type is 'blob' (supported schemes: %s)", strings.Join(supportedBlobSchemes, ", "))
		}
		if !isValidBlobScheme(blobBucket) {
			return nil, fmt.Errorf("unsupported blob storage URL scheme in %q; supported schemes: %s", blobBucket, strings.Join(supportedBlobSchemes, ", "))
		}
		l.Info("using blob storage",
			zap.String("bucket", blobBucket),
			zap.String("prefix", blobPrefix),
		)
		return store.NewBlobStorage(ctx, blobBucket, blobPrefix)
	case "filesystem", "":
		dir := storageDirFlag(v)
		l.Info("using filesystem storage", zap.String("dir", dir))
		return store.NewFilesystemStorage(dir)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (supported: filesystem, blob)", storageType)
	}
}

// isValidBlobScheme checks if the bucket URL has a supported scheme
func isValidBlobScheme(bucketURL string) bool {
	for _, scheme := range supportedBlobSchemes {
		if strings.HasPrefix(bucketURL, scheme) {
			return true
		}
	}
	return false
}
