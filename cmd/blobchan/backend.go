package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bitrise-io/go-resumable/storage/bytestream"
	"github.com/bitrise-io/go-resumable/storage/httprpc"
	"github.com/bitrise-io/go-resumable/storage/memstore"
	"github.com/bitrise-io/go-resumable/storage/s3rpc"
)

const dialTimeout = 10 * time.Second

// backendFactory returns the RPC for transfers in bucket and a func releasing it.
type backendFactory func(ctx context.Context, bucket string) (storage.RPC, func() error, error)

func noClose() error { return nil }

func (a *app) newBackend(ctx context.Context, bucket string) (storage.RPC, func() error, error) {
	endpoint := a.cfg.GetString(keyEndpoint)

	switch backend := a.cfg.GetString(keyBackend); backend {
	case "mem":
		a.logger.Warnf("The mem backend keeps objects only for the lifetime of this process")
		return memstore.New(a.logger), noClose, nil
	case "http":
		client, err := httprpc.NewClient(httprpc.Params{
			BaseURL: endpoint,
			Token:   a.cfg.GetString(keyToken),
			Logger:  a.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, noClose, nil
	case "s3":
		client, err := s3rpc.NewClient(ctx, s3rpc.Params{
			Region:          a.cfg.GetString(keyRegion),
			Bucket:          bucket,
			AccessKeyID:     a.cfg.GetString(keyAccessKeyID),
			SecretAccessKey: a.cfg.GetString(keySecretAccessKey),
			Endpoint:        endpoint,
			UsePathStyle:    a.cfg.GetBool(keyPathStyle),
		}, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return client, noClose, nil
	case "bytestream":
		client, err := bytestream.NewClient(ctx, bytestream.NewClientParams{
			UseInsecure: a.cfg.GetBool(keyInsecure),
			Host:        endpoint,
			DialTimeout: dialTimeout,
			Token:       a.cfg.GetString(keyToken),
			Logger:      a.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q, expected mem, http, s3 or bytestream", backend)
	}
}
