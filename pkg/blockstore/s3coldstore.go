// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blockstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ColdStoreConfig is the "s3" kind of ColdStore config.
type S3ColdStoreConfig struct {
	Endpoint     string `json:"endpoint"`
	Bucket       string `json:"bucket"`
	AccessKey    string `json:"access-key"`
	SecretKey    string `json:"secret-key"`
	Region       string `json:"region"`
	UsePathStyle bool   `json:"use-path-style"`
}

// S3ColdStore exports tree.blocks/tree.state pairs as objects keyed
// "<treeID>/<unix>-tree.blocks" / "<treeID>/<unix>-tree.state", mirroring
// FsColdStore's naming so List/Restore share the newest-wins convention.
type S3ColdStore struct {
	client *s3.Client
	bucket string
}

func (sc *S3ColdStore) Init(rawConfig json.RawMessage) (uint64, error) {
	var cfg S3ColdStoreConfig
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return 0, fmt.Errorf("irwi: s3 coldstore: decode config: %w", err)
	}
	if cfg.Bucket == "" {
		return 0, fmt.Errorf("irwi: s3 coldstore: empty bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return 0, fmt.Errorf("irwi: s3 coldstore: load aws config: %w", err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	sc.client = s3.NewFromConfig(awsCfg, opts)
	sc.bucket = cfg.Bucket
	return ColdStoreVersion, nil
}

func (sc *S3ColdStore) key(treeID, name string) string {
	return treeID + "/" + name
}

func (sc *S3ColdStore) Exists(treeID string) bool {
	ids, err := sc.List()
	if err != nil {
		return false
	}
	for _, id := range ids {
		if id == treeID {
			return true
		}
	}
	return false
}

func (sc *S3ColdStore) putFile(ctx context.Context, key, path string) error {
	data, err := readAll(path)
	if err != nil {
		return err
	}
	_, err = sc.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(sc.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("irwi: s3 coldstore: put %q: %w", key, err)
	}
	return nil
}

func (sc *S3ColdStore) Export(treeID string, blocksPath, statePath string) error {
	ctx := context.Background()
	now := time.Now()
	if err := sc.putFile(ctx, sc.key(treeID, exportName("tree.blocks", now)), blocksPath); err != nil {
		return err
	}
	return sc.putFile(ctx, sc.key(treeID, exportName("tree.state", now)), statePath)
}

func (sc *S3ColdStore) Restore(treeID string, destBlocks, destState string) error {
	ctx := context.Background()
	prefix := treeID + "/"
	out, err := sc.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(sc.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return fmt.Errorf("irwi: s3 coldstore: list %q: %w", prefix, err)
	}

	var blocksKeys, stateKeys []string
	for _, obj := range out.Contents {
		k := aws.ToString(obj.Key)
		switch {
		case strings.HasSuffix(k, "-tree.blocks"):
			blocksKeys = append(blocksKeys, k)
		case strings.HasSuffix(k, "-tree.state"):
			stateKeys = append(stateKeys, k)
		}
	}
	if len(blocksKeys) == 0 || len(stateKeys) == 0 {
		return fmt.Errorf("irwi: s3 coldstore: no export found for %q", treeID)
	}
	sort.Strings(blocksKeys)
	sort.Strings(stateKeys)

	if err := sc.getFile(ctx, blocksKeys[len(blocksKeys)-1], destBlocks); err != nil {
		return err
	}
	return sc.getFile(ctx, stateKeys[len(stateKeys)-1], destState)
}

func (sc *S3ColdStore) getFile(ctx context.Context, key, dest string) error {
	obj, err := sc.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sc.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("irwi: s3 coldstore: get %q: %w", key, err)
	}
	defer obj.Body.Close()
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("irwi: s3 coldstore: create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		return fmt.Errorf("irwi: s3 coldstore: write %s: %w", dest, err)
	}
	return f.Close()
}

func (sc *S3ColdStore) List() ([]string, error) {
	ctx := context.Background()
	out, err := sc.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(sc.bucket)})
	if err != nil {
		return nil, fmt.Errorf("irwi: s3 coldstore: list bucket: %w", err)
	}
	seen := map[string]bool{}
	var ids []string
	for _, obj := range out.Contents {
		k := aws.ToString(obj.Key)
		if i := strings.IndexByte(k, '/'); i > 0 {
			id := k[:i]
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func readAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("irwi: s3 coldstore: open %s: %w", path, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
