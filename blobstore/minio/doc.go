// Package minio provides a MinIO-backed blob store for archived buffer
// data files. It works with any S3-compatible object storage that the
// MinIO client can talk to, including self-hosted MinIO clusters.
//
// Example:
//
//	client, err := minio.New("play.min.io", &minio.Options{
//		Creds: credentials.NewStaticV4(accessKey, secretKey, ""),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	store := miniostore.NewStore(client, "my-bucket", "buffer-archive")
//
//	w, r, err := diskq.Open(ctx, "./buffer", func(o *diskq.Options) {
//		o.ArchiveStore = store
//	})
package minio
