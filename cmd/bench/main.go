package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type result struct {
	writes, reads, stale, failed atomic.Int64
}

func main() {
	addrs := flag.String("addr", "http://localhost:8080", "comma separated server addresses")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "value size bytes")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	targets := strings.Split(*addrs, ",")
	client := &http.Client{Timeout: 10 * time.Second}
	var res result

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*conc)
	start := time.Now()
	for i := 0; i < *n; i++ {
		i := i
		g.Go(func() error {
			key := fmt.Sprintf("k%d", i)
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, *valSize)
			// write through one server and read back through the next
			w := targets[i%len(targets)]
			r := targets[(i+1)%len(targets)]
			if err := put(ctx, client, w, key, payload); err != nil {
				res.failed.Add(1)
				logger.Debug("put failed", zap.String("key", key), zap.Error(err))
				return nil
			}
			res.writes.Add(1)
			got, err := get(ctx, client, r, key)
			if err != nil {
				res.failed.Add(1)
				logger.Debug("get failed", zap.String("key", key), zap.Error(err))
				return nil
			}
			res.reads.Add(1)
			if !bytes.Equal(got, payload) {
				res.stale.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	dur := time.Since(start)
	ops := res.writes.Load() + res.reads.Load()
	logger.Info("done",
		zap.Int64("ops", ops),
		zap.Duration("took", dur),
		zap.Float64("opsPerSec", float64(ops)/dur.Seconds()),
		zap.Int64("staleReads", res.stale.Load()),
		zap.Int64("failed", res.failed.Load()),
	)
}

func put(ctx context.Context, c *http.Client, addr, key string, val []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, addr+"/kv/"+key, bytes.NewReader(val))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("put %s: %s", key, resp.Status)
	}
	return nil
}

func get(ctx context.Context, c *http.Client, addr, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/kv/"+key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("get %s: %s", key, resp.Status)
	}
	return body, nil
}
