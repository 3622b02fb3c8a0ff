// Package s3 provides an Amazon S3 implementation of blobstore.Store.
//
// Uploads go through the AWS SDK transfer manager, which switches to
// parallel multipart uploads for large data files automatically.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", "buffer-archive/")
//	if err != nil { ... }
//	w, r, err := diskq.Open(ctx, dir, func(o *diskq.Options) {
//	    o.ArchiveStore = store
//	})
//
// To customize credentials or endpoints, build the client yourself and
// use NewStore (awss3 is "github.com/aws/aws-sdk-go-v2/service/s3"):
//
//	cfg, _ := config.LoadDefaultConfig(ctx, config.WithRegion("eu-central-1"))
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "buffer-archive/")
package s3
