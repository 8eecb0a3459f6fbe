package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"estateplanner.dev/internal/persistence/s3mirror"
)

type mirrorRuntime struct {
	enabled      bool
	rotateLayout string
	mirror       *s3mirror.Mirror
}

func buildMirrorRuntime(ctx context.Context, dataDir string, logger *log.Logger) (*mirrorRuntime, error) {
	if !envBool("EST_S3_MIRROR", false) {
		return &mirrorRuntime{enabled: false}, nil
	}

	bucket := strings.TrimSpace(os.Getenv("EST_S3_BUCKET"))
	if bucket == "" {
		return nil, fmt.Errorf("EST_S3_MIRROR=true but EST_S3_BUCKET is empty")
	}
	client, err := s3mirror.New(ctx, s3mirror.Config{
		Bucket:          bucket,
		Region:          strings.TrimSpace(os.Getenv("EST_S3_REGION")),
		Endpoint:        strings.TrimSpace(os.Getenv("EST_S3_ENDPOINT")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("EST_S3_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("EST_S3_SECRET_ACCESS_KEY")),
		PathStyle:       envBool("EST_S3_PATH_STYLE", false),
	})
	if err != nil {
		return nil, err
	}

	mirror := s3mirror.NewMirror(client, dataDir, strings.TrimSpace(os.Getenv("EST_S3_PREFIX")), s3mirror.Options{
		Workers: envInt("EST_S3_UPLOAD_WORKERS", 2),
	}, logger)

	return &mirrorRuntime{
		enabled:      true,
		rotateLayout: "2006-01-02-15-04", // 1-minute segments to lower RPO.
		mirror:       mirror,
	}, nil
}

func (r *mirrorRuntime) Close() {
	if r == nil || r.mirror == nil {
		return
	}
	r.mirror.Close()
}

func (r *mirrorRuntime) Enqueue(localPath string) {
	if r == nil || !r.enabled || r.mirror == nil {
		return
	}
	r.mirror.Enqueue(localPath)
}

func (r *mirrorRuntime) Stats() s3mirror.Stats {
	if r == nil {
		return s3mirror.Stats{}
	}
	return r.mirror.Stats()
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
