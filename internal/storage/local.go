package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/lithammer/shortuuid/v3"
	"github.com/spf13/afero"
)

const stagingDirName = ".staging"

// Local stores collected files under <root>/<clientId>/<remote path>.
type Local struct {
	fs     afero.Fs
	root   string
	mirror Mirror
}

func NewLocal(fs afero.Fs, root string) *Local {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	return &Local{fs: fs, root: filepath.Clean(root)}
}

// WithMirror copies every extracted file to mirror as well.
func (l *Local) WithMirror(mirror Mirror) *Local {
	l.mirror = mirror
	return l
}

func (l *Local) Fs() afero.Fs {
	return l.fs
}

func (l *Local) Root() string {
	return l.root
}

func (l *Local) ClientRoot(clientID string) string {
	return filepath.Join(l.root, clientID)
}

// LocalPath maps a remote path of a client to its local destination.
func (l *Local) LocalPath(clientID string, remotePath string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(remotePath, `\`, "/"))
	if clean == "/" {
		return "", fmt.Errorf("empty remote path")
	}
	return filepath.Join(l.ClientRoot(clientID), filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Stage writes a download into a uniquely named staging file and returns its path.
func (l *Local) Stage(ctx context.Context, suffix string, fill func(io.Writer) (int64, error)) (string, int64, error) {
	dir := filepath.Join(l.root, stagingDirName)
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create staging dir: %w", err)
	}
	name := filepath.Join(dir, shortuuid.New()+suffix)
	file, err := l.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create staging file: %w", err)
	}
	size, err := fill(file)
	closeErr := file.Close()
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = l.fs.Remove(name)
		return "", 0, err
	}
	return name, size, nil
}

func (l *Local) Discard(name string) {
	_ = l.fs.Remove(name)
}

func (l *Local) writeFile(ctx context.Context, clientID string, remotePath string, r io.Reader) (string, int64, error) {
	target, err := l.LocalPath(clientID, remotePath)
	if err != nil {
		return "", 0, err
	}
	if err := l.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	file, err := l.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", target, err)
	}
	written, err := io.Copy(file, r)
	closeErr := file.Close()
	if err != nil {
		return "", 0, fmt.Errorf("write %s: %w", target, err)
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("close %s: %w", target, closeErr)
	}
	if l.mirror != nil {
		if err := l.mirrorFile(ctx, clientID, remotePath, target, written); err != nil {
			return target, written, err
		}
	}
	return target, written, nil
}

func (l *Local) mirrorFile(ctx context.Context, clientID string, remotePath string, target string, size int64) error {
	file, err := l.fs.Open(target)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", target, err)
	}
	defer file.Close()
	key := path.Join(clientID, strings.TrimPrefix(path.Clean("/"+remotePath), "/"))
	if err := l.mirror.PutObject(ctx, key, file, size); err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	return nil
}

func (l *Local) ReadFile(name string, limit int64) ([]byte, error) {
	file, err := l.fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, limit))
}
