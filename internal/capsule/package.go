package capsule

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

// Format names a package encoding.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTar   Format = "tar"
	FormatTarGz Format = "tar.gz"
)

// packageEpoch is the fixed modification time stamped on every archive
// entry. Packaging the same capsule twice yields identical bytes.
var packageEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Layout flattens a capsule into the on-disk file tree the archive carries:
// capsule.yaml, README.md, validation.json, source files at the root and
// tests under tests/.
func Layout(c *models.Capsule) (map[string][]byte, error) {
	files := make(map[string][]byte)

	manifest, err := yaml.Marshal(c.Manifest)
	if err != nil {
		return nil, taskerrors.Integrity("marshal manifest: %v", err)
	}
	files["capsule.yaml"] = manifest

	if c.Documentation != "" {
		files["README.md"] = []byte(c.Documentation)
	}
	if c.ValidationReport != nil {
		report, err := json.MarshalIndent(c.ValidationReport, "", "  ")
		if err != nil {
			return nil, taskerrors.Integrity("marshal validation report: %v", err)
		}
		files["validation.json"] = report
	}
	if c.Confidence != nil {
		analysis, err := json.MarshalIndent(c.Confidence, "", "  ")
		if err != nil {
			return nil, taskerrors.Integrity("marshal confidence analysis: %v", err)
		}
		files["confidence.json"] = analysis
	}

	for name, body := range c.SourceCode {
		files[safeEntryName(name)] = []byte(body)
	}
	for name, body := range c.Tests {
		files[path.Join("tests", safeEntryName(name))] = []byte(body)
	}
	return files, nil
}

// Package renders the capsule into an archive of the requested format.
func Package(c *models.Capsule, format Format) ([]byte, error) {
	files, err := Layout(c)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	switch format {
	case FormatZip:
		return packZip(names, files)
	case FormatTar:
		return packTar(names, files, false)
	case FormatTarGz:
		return packTar(names, files, true)
	default:
		return nil, taskerrors.Validation("unsupported package format %q", format)
	}
}

func packZip(names []string, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		hdr := &zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: packageEpoch,
		}
		hdr.SetMode(0o644)
		f, err := w.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", name, err)
		}
		if _, err := f.Write(files[name]); err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func packTar(names []string, files map[string][]byte, gz bool) ([]byte, error) {
	var buf bytes.Buffer
	var tw *tar.Writer
	var gzw *gzip.Writer
	if gz {
		// Fixed header fields keep gzip output byte-stable.
		gzw = gzip.NewWriter(&buf)
		gzw.ModTime = packageEpoch
		tw = tar.NewWriter(gzw)
	} else {
		tw = tar.NewWriter(&buf)
	}

	for _, name := range names {
		body := files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(body)),
			ModTime: packageEpoch,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar entry %s: %w", name, err)
		}
		if _, err := tw.Write(body); err != nil {
			return nil, fmt.Errorf("tar entry %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if gzw != nil {
		if err := gzw.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// safeEntryName strips path escapes so a generated file name can never
// write outside the archive root.
func safeEntryName(name string) string {
	clean := path.Clean("/" + name)
	return clean[1:]
}
