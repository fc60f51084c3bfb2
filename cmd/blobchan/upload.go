package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bitrise-io/go-resumable/internal/statefile"
	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

const (
	keyContentType = "content-type"
	keyIfAbsent    = "if-absent"
)

func (a *app) uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <local pattern> <bucket>/<prefix>",
		Short: "Upload files matching a pattern",
		Long: `Uploads every file matching the local pattern (doublestar syntax, e.g. "build/**/*.apk")
below the remote prefix, keeping the path relative to the pattern's base directory.

With --state-file the transfer position is saved after every acknowledged chunk,
and --resume continues an interrupted upload from it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUpload(cmd.Context(), args[0], args[1])
		},
	}
	addTransferFlags(cmd)
	cmd.Flags().String(keyContentType, "", "content type of the uploaded objects")
	cmd.Flags().Bool(keyIfAbsent, false, "fail instead of replacing existing objects")
	return cmd
}

type localFile struct {
	path string
	// rel is the slash separated path below the pattern's base directory.
	rel string
}

func (a *app) runUpload(ctx context.Context, pattern, remote string) error {
	bucket, prefix, err := parseRemote(remote)
	if err != nil {
		return err
	}

	files, err := expandLocal(pattern)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files match %s", pattern)
	}

	statePath := a.cfg.GetString(keyStateFile)
	if statePath != "" && len(files) > 1 {
		return fmt.Errorf("--%s needs a single file, %s matches %d", keyStateFile, pattern, len(files))
	}

	var objOpts []storage.Option
	if contentType := a.cfg.GetString(keyContentType); contentType != "" {
		objOpts = append(objOpts, storage.ContentType(contentType))
	}
	if a.cfg.GetBool(keyIfAbsent) {
		objOpts = append(objOpts, storage.DoesNotExist())
	}
	compress := a.cfg.GetBool(keyZstd)
	if compress {
		objOpts = append(objOpts, storage.ContentEncoding("zstd"))
	}

	rpc, release, err := a.backends(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to create %s backend: %w", a.cfg.GetString(keyBackend), err)
	}
	defer func() {
		if err := release(); err != nil {
			a.logger.Warnf("Failed to close backend: %s", err)
		}
	}()

	for _, file := range files {
		name := path.Join(prefix, file.rel)
		if compress {
			name += ".zst"
		}
		u := &upload{
			app:       a,
			rpc:       rpc,
			src:       file.path,
			blob:      storage.BlobID{Bucket: bucket, Name: name},
			statePath: statePath,
			compress:  compress,
			objOpts:   objOpts,
		}
		if err := u.run(ctx); err != nil {
			return fmt.Errorf("upload %s: %w", file.path, err)
		}
	}

	a.logger.Donef("Uploaded %d file(s) to %s", len(files), remote)
	return nil
}

// expandLocal resolves a doublestar pattern to the regular files it matches.
// A pattern without meta characters names a single file.
func expandLocal(pattern string) ([]localFile, error) {
	base, pat := doublestar.SplitPattern(filepath.ToSlash(pattern))
	if pat == "" || pat == "." {
		return nil, fmt.Errorf("invalid pattern: %s", pattern)
	}

	info, err := os.Stat(filepath.FromSlash(base))
	if err != nil {
		return nil, fmt.Errorf("failed to check pattern base: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pattern base is not a directory: %s", base)
	}

	matches, err := doublestar.Glob(os.DirFS(filepath.FromSlash(base)), pat, doublestar.WithNoFollow())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}
	sort.Strings(matches)

	var files []localFile
	for _, match := range matches {
		p := filepath.Join(filepath.FromSlash(base), filepath.FromSlash(match))
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			continue
		}
		files = append(files, localFile{path: p, rel: match})
	}
	return files, nil
}

type upload struct {
	app       *app
	rpc       storage.RPC
	src       string
	blob      storage.BlobID
	statePath string
	compress  bool
	objOpts   []storage.Option

	// state is the last captured position, it survives failed attempts.
	state *storage.WriteState
}

func (u *upload) run(ctx context.Context) error {
	logger := u.app.logger

	if u.statePath != "" && u.app.cfg.GetBool(keyResume) {
		state, err := statefile.LoadWrite(u.statePath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Debugf("No state in %s, starting a new upload", u.statePath)
		case err != nil:
			return err
		case state.Blob != u.blob:
			return fmt.Errorf("state file %s belongs to %s, not %s", u.statePath, state.Blob, u.blob)
		default:
			logger.Infof("Resuming upload of %s at %s", u.blob, units.HumanSizeWithPrecision(float64(state.Cursor), 3))
			u.state = &state
		}
	}

	if err := u.app.withFullRetries("upload "+u.blob.String(), func() error {
		return u.attempt(ctx)
	}); err != nil {
		return err
	}

	if u.statePath != "" {
		if err := statefile.Remove(u.statePath); err != nil {
			logger.Warnf("Failed to remove state file: %s", err)
		}
	}
	return nil
}

func (u *upload) attempt(ctx context.Context) error {
	logger := u.app.logger

	if u.state != nil && !u.state.Open {
		logger.Infof("%s is already uploaded", u.blob)
		return nil
	}

	chunkSize, opts, err := u.app.channelOptions()
	if err != nil {
		return err
	}

	var w *storage.Writer
	save := func() {
		state, err := w.Capture()
		if err != nil {
			return
		}
		u.state = &state
		if u.statePath == "" {
			return
		}
		if err := statefile.Save(u.statePath, state); err != nil {
			logger.Warnf("Failed to save upload state: %s", err)
		}
	}
	opts = append(opts, storage.WithOnChunk(func(int64) { save() }))

	if u.state != nil {
		if w, err = storage.RestoreWriter(ctx, u.rpc, *u.state, opts...); err != nil {
			return err
		}
	} else {
		opts = append(opts, chunkSize, storage.WithOptions(u.objOpts...))
		if w, err = storage.OpenWriter(ctx, u.rpc, u.blob, opts...); err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start upload session: %w", err)
		}
		save()
	}

	src, err := u.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	state, err := w.Capture()
	if err != nil {
		return err
	}
	if cursor := state.Cursor; cursor > 0 {
		if _, err := io.CopyN(io.Discard, src, cursor); err != nil {
			return fmt.Errorf("%s is shorter than the uploaded %d bytes: %w", u.src, cursor, err)
		}
	}

	if _, err := io.Copy(w, src); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	save()

	logger.Printf("%s: %s uploaded (%s)", u.blob, units.HumanSizeWithPrecision(float64(u.state.Cursor), 3), w.Stats())
	return nil
}

func (u *upload) open() (io.ReadCloser, error) {
	if u.compress {
		return compressedFile(u.src)
	}
	return os.Open(u.src)
}
