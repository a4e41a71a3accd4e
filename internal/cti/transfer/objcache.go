package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/internal/cti/logger"
)

// Cache is an optional S3-compatible object-store cache for built archives,
// keyed by content identity: two Sessions (or two ships of the same
// Session) that stage an identical file set produce the same key, so the
// archive only needs to be built once; every ship still broadcasts it. Disabled
// (nil) unless CacheFromEnv finds an endpoint configured.
type Cache struct {
	client *minio.Client
	bucket string
}

// CacheFromEnv configures a Cache from CTI_ARCHIVE_CACHE_S3_* environment
// variables, returning nil (caching disabled) when no endpoint is set or the
// client cannot be constructed — archive caching is a reuse optimization,
// never a correctness dependency, so a bad config degrades to "rebuild every
// time" rather than failing ship operations.
func CacheFromEnv() *Cache {
	endpoint := os.Getenv("CTI_ARCHIVE_CACHE_S3_ENDPOINT")
	if endpoint == "" {
		return nil
	}

	bucket := os.Getenv("CTI_ARCHIVE_CACHE_S3_BUCKET")
	if bucket == "" {
		bucket = "cti-archive-cache"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			os.Getenv("CTI_ARCHIVE_CACHE_S3_ACCESS_KEY"),
			os.Getenv("CTI_ARCHIVE_CACHE_S3_SECRET_KEY"),
			"",
		),
		Secure: os.Getenv("CTI_ARCHIVE_CACHE_S3_INSECURE") == "",
	})
	if err != nil {
		logger.Warn("archive cache disabled: cannot configure S3 client", logger.Ctx{"endpoint": endpoint, "err": err})
		return nil
	}

	return &Cache{client: client, bucket: bucket}
}

// Key derives a content-identity cache key from stageName plus the set of
// files and symlinks an archive build would write, independent of ordering.
func Key(stageName string, files []FileEntry, links []SymlinkEntry) string {
	lines := make([]string, 0, len(files)+len(links)+1)
	lines = append(lines, "stage:"+stageName)

	for _, fe := range files {
		info, err := os.Stat(fe.SourcePath)
		if err != nil {
			continue
		}

		lines = append(lines, "f:"+entryName(stageName, fe.Folder, fe.Basename)+
			":"+fe.SourcePath+":"+info.ModTime().String())
	}

	for _, le := range links {
		lines = append(lines, "l:"+entryName(stageName, le.Folder, le.Basename)+":"+le.Target)
	}

	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		io.WriteString(h, l)
		io.WriteString(h, "\n")
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Fetch copies the cached object named key into destPath, reporting (false,
// nil) on a cache miss (object absent or its Stat failing) rather than an
// error — a miss just means "build it". A failure to create destPath or to
// copy the object into it is returned as an error.
func (c *Cache) Fetch(ctx context.Context, key, destPath string) (bool, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return false, nil
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		return false, nil
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return false, ctierrors.Wrap(ctierrors.Fatal, "cannot create archive for cache fetch", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, obj); err != nil {
		return false, ctierrors.Wrap(ctierrors.Fatal, "archive cache fetch failed", err)
	}

	return true, nil
}

// Store uploads srcPath under key. Failures are logged, not returned: a
// failed cache write must not fail the ship that already succeeded.
func (c *Cache) Store(ctx context.Context, key, srcPath string) {
	if _, err := c.client.FPutObject(ctx, c.bucket, key, srcPath, minio.PutObjectOptions{}); err != nil {
		logger.Warn("archive cache upload failed", logger.Ctx{"key": key, "err": err})
	}
}
