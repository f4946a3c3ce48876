/*
Package s3kv implements types.KVStore on an S3 bucket using aws-sdk-go-v2.

Every key becomes one object under Config.Prefix, so the cache disk tier
(cache/...), entities (entity/<type>/<id>) and backups (backup/<id>) of one
client can share a bucket with other data. Only single-key atomicity is
provided, which is all the durability layer relies on.

	store, err := s3kv.Open(ctx, &s3kv.Config{
		Bucket: "my-app-sync",
		Prefix: "devices/" + deviceID + "/",
		Region: "eu-west-1",
	}, logger)

Tests and alternative endpoints can pass any API implementation to New.
*/
package s3kv
