package provision

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"visiond/internal/common/fsutil"
	"visiond/pkg/types"
)

// manifestName is the file written at the environment root describing what
// was installed. Its presence marks a fully materialized root.
const manifestName = "env.json"

// Manifest records the spec and artifact set an environment root was built
// from.
type Manifest struct {
	SpecKey   string                `json:"spec_key"`
	Spec      types.EnvironmentSpec `json:"spec"`
	Artifacts []string              `json:"artifacts"`
	CreatedAt time.Time             `json:"created_at"`
}

// materialize builds the environment under a staging directory from the
// fetched artifact files, then atomically swaps it into place at root.
// All-or-nothing: any error leaves root untouched and staging removed.
func materialize(staging, root string, spec types.EnvironmentSpec, files []string) error {
	defer os.RemoveAll(staging)
	if err := fsutil.EnsureDir(staging); err != nil {
		return &materializationError{stage: "staging", err: err}
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if err := installFile(f, staging); err != nil {
			return &materializationError{stage: "unpack " + filepath.Base(f), err: err}
		}
		names = append(names, filepath.Base(f))
	}
	man := Manifest{
		SpecKey:   spec.Key(),
		Spec:      spec,
		Artifacts: names,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return &materializationError{stage: "manifest", err: err}
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), raw, 0o644); err != nil {
		return &materializationError{stage: "manifest", err: err}
	}
	if err := fsutil.ReplaceDir(staging, root); err != nil {
		return &materializationError{stage: "swap", err: err}
	}
	return nil
}

// readManifest loads the manifest from an environment root. Used by the
// cheap re-validation path to confirm a Ready root is intact.
func readManifest(root string) (Manifest, error) {
	var man Manifest
	raw, err := os.ReadFile(filepath.Join(root, manifestName))
	if err != nil {
		return man, err
	}
	if err := json.Unmarshal(raw, &man); err != nil {
		return man, err
	}
	return man, nil
}

// installFile unpacks an archive into dst, or copies the file as-is when it
// is not an archive format we recognize.
func installFile(src, dst string) error {
	switch {
	case strings.HasSuffix(src, ".tar.gz"), strings.HasSuffix(src, ".tgz"):
		return unpackTarGz(src, dst)
	case strings.HasSuffix(src, ".zip"):
		return unpackZip(src, dst)
	default:
		return copyFile(src, filepath.Join(dst, filepath.Base(src)))
	}
}

func unpackTarGz(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// symlinks and special files are not expected in runtime
			// archives; skip them rather than fail the whole install
		}
	}
}

func unpackZip(src, dst string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, zf := range zr.File {
		target, err := safeJoin(dst, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, zf.Mode()&0o777)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin joins name under dst and rejects entries that escape it.
func safeJoin(dst, name string) (string, error) {
	target := filepath.Join(dst, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
