package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-resumable/internal/statefile"
	"github.com/bitrise-io/go-resumable/storage"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

const partSuffix = ".part"

func (a *app) downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <bucket>/<name> <local file>",
		Short: "Download an object",
		Long: `Downloads an object into <local file>.part and renames it once complete.

With --state-file the transfer position is saved after every write to the part
file, and --resume continues an interrupted download from it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDownload(cmd.Context(), args[0], args[1])
		},
	}
	addTransferFlags(cmd)
	return cmd
}

func (a *app) runDownload(ctx context.Context, remote, dst string) error {
	blob, err := storage.ParseBlobID(remote)
	if err != nil {
		return err
	}

	rpc, release, err := a.backends(ctx, blob.Bucket)
	if err != nil {
		return fmt.Errorf("failed to create %s backend: %w", a.cfg.GetString(keyBackend), err)
	}
	defer func() {
		if err := release(); err != nil {
			a.logger.Warnf("Failed to close backend: %s", err)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	d := &download{
		app:       a,
		rpc:       rpc,
		blob:      blob,
		part:      dst + partSuffix,
		statePath: a.cfg.GetString(keyStateFile),
	}
	if err := d.run(ctx); err != nil {
		return fmt.Errorf("download %s: %w", blob, err)
	}

	if a.cfg.GetBool(keyZstd) {
		if err := decompressFile(d.part, dst); err != nil {
			return err
		}
		if err := os.Remove(d.part); err != nil {
			a.logger.Warnf("Failed to remove %s: %s", d.part, err)
		}
	} else if err := os.Rename(d.part, dst); err != nil {
		return err
	}

	a.logger.Donef("Downloaded %s to %s", blob, dst)
	return nil
}

type download struct {
	app       *app
	rpc       storage.RPC
	blob      storage.BlobID
	part      string
	statePath string

	// state is the last captured position, it survives failed attempts.
	state *storage.ReadState
}

func (d *download) run(ctx context.Context) error {
	logger := d.app.logger

	if d.statePath != "" && d.app.cfg.GetBool(keyResume) {
		state, err := statefile.LoadRead(d.statePath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Debugf("No state in %s, starting a new download", d.statePath)
		case err != nil:
			return err
		case state.Blob != d.blob:
			return fmt.Errorf("state file %s belongs to %s, not %s", d.statePath, state.Blob, d.blob)
		default:
			logger.Infof("Resuming download of %s at %s", d.blob, units.HumanSizeWithPrecision(float64(state.Cursor), 3))
			d.state = &state
		}
	}

	if err := d.app.withFullRetries("download "+d.blob.String(), func() error {
		return d.attempt(ctx)
	}); err != nil {
		return err
	}

	if d.statePath != "" {
		if err := statefile.Remove(d.statePath); err != nil {
			logger.Warnf("Failed to remove state file: %s", err)
		}
	}
	return nil
}

func (d *download) attempt(ctx context.Context) error {
	logger := d.app.logger

	chunkSize, opts, err := d.app.channelOptions()
	if err != nil {
		return err
	}

	file, err := os.OpenFile(d.part, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", d.part, err)
		}
	}()

	var r *storage.Reader
	if d.state != nil {
		state := *d.state
		// The part file can lag behind the saved state when the process died
		// before the file was flushed, continue from what is on disk.
		info, err := file.Stat()
		if err != nil {
			return err
		}
		if info.Size() < state.Cursor {
			state.Cursor = info.Size()
		}
		if r, err = storage.RestoreReader(ctx, d.rpc, state, opts...); err != nil {
			return err
		}
	} else if r, err = storage.OpenReader(ctx, d.rpc, d.blob, append(opts, chunkSize)...); err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()

	cursor := r.Capture().Cursor
	if err := file.Truncate(cursor); err != nil {
		return err
	}
	if _, err := file.Seek(cursor, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, r.ChunkSize())
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return werr
			}
			d.save(r.Capture())
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	logger.Printf("%s: %s downloaded (%s)", d.blob, units.HumanSizeWithPrecision(float64(r.Capture().Cursor), 3), r.Stats())
	return nil
}

func (d *download) save(state storage.ReadState) {
	d.state = &state
	if d.statePath == "" {
		return
	}
	if err := statefile.Save(d.statePath, state); err != nil {
		d.app.logger.Warnf("Failed to save download state: %s", err)
	}
}
