package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bitrise-io/go-resumable/retry"
	fullretry "github.com/bitrise-io/go-utils/retry"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
)

// Transfer flags shared by upload and download.
const (
	keyStateFile   = "state-file"
	keyResume      = "resume"
	keyZstd        = "zstd"
	keyFullRetries = "full-retries"
)

func addTransferFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(keyStateFile, "", "file capturing the transfer position after every chunk")
	flags.Bool(keyResume, false, "continue from the position in --state-file if it exists")
	flags.Bool(keyZstd, false, "compress uploads and decompress downloads with zstd")
	flags.Int(keyFullRetries, 0, "restarts of a transfer from its captured position after a chunk ran out of retries")
}

// withFullRetries runs transfer until it succeeds, restarting it when a chunk
// ran out of retries. Every other error ends the command.
func (a *app) withFullRetries(what string, transfer func() error) error {
	times := a.cfg.GetInt(keyFullRetries)
	if times < 0 {
		return fmt.Errorf("invalid %s: %d", keyFullRetries, times)
	}

	return fullretry.Times(uint(times)).Wait(a.fullRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			a.logger.Warnf("%d. attempt to %s", attempt+1, what)
		}
		err := transfer()
		if err == nil {
			return nil, false
		}
		if errors.Is(err, retry.ErrExhausted) {
			a.logger.Warnf("Failed to %s: %s", what, err)
			return err, false
		}
		return err, true
	})
}

// parseRemote splits "bucket/rest".
func parseRemote(s string) (string, string, error) {
	bucket, rest, _ := strings.Cut(s, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid remote path %q, expected <bucket>/<name>", s)
	}
	return bucket, rest, nil
}

// compressedFile streams the zstd compression of a local file. The encoder
// runs single threaded so the output is the same on every run; a resumed
// upload relies on that when it skips the bytes already uploaded.
func compressedFile(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer func() {
			_ = file.Close()
		}()
		enc, err := zstd.NewWriter(pw, zstd.WithEncoderConcurrency(1))
		if err != nil {
			pw.CloseWithError(fmt.Errorf("create zstd writer: %w", err))
			return
		}
		if _, err := io.Copy(enc, file); err != nil {
			_ = enc.Close()
			pw.CloseWithError(fmt.Errorf("compress %s: %w", path, err))
			return
		}
		pw.CloseWithError(enc.Close())
	}()
	return pr, nil
}

// decompressFile writes the zstd decompression of src to dst.
func decompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, dec); err != nil {
		_ = out.Close()
		return fmt.Errorf("decompress %s: %w", src, err)
	}
	return out.Close()
}
