package pkg

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolScript = "#!/bin/sh\necho mytool\n"

func makeTar(t *testing.T) []byte {
	t.Helper()

	buffer := bytes.Buffer{}
	writer := tar.NewWriter(&buffer)

	require.NoError(t, writer.WriteHeader(&tar.Header{
		Name:     "README",
		Mode:     0644,
		Size:     int64(len("ignored")),
		Typeflag: tar.TypeReg,
	}))
	_, err := writer.Write([]byte("ignored"))
	require.NoError(t, err)

	require.NoError(t, writer.WriteHeader(&tar.Header{
		Name:     "pkg-1.0/bin/mytool",
		Mode:     0755,
		Size:     int64(len(toolScript)),
		Typeflag: tar.TypeReg,
	}))
	_, err = writer.Write([]byte(toolScript))
	require.NoError(t, err)

	require.NoError(t, writer.Close())
	return buffer.Bytes()
}

func makeTarGz(t *testing.T) []byte {
	t.Helper()

	buffer := bytes.Buffer{}
	writer := gzip.NewWriter(&buffer)
	_, err := writer.Write(makeTar(t))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buffer.Bytes()
}

func makeTarBr(t *testing.T) []byte {
	t.Helper()

	buffer := bytes.Buffer{}
	writer := brotli.NewWriter(&buffer)
	_, err := writer.Write(makeTar(t))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buffer.Bytes()
}

func makeZip(t *testing.T) []byte {
	t.Helper()

	buffer := bytes.Buffer{}
	writer := zip.NewWriter(&buffer)

	entry, err := writer.Create("pkg-1.0/bin/mytool")
	require.NoError(t, err)
	_, err = entry.Write([]byte(toolScript))
	require.NoError(t, err)

	require.NoError(t, writer.Close())
	return buffer.Bytes()
}

func digestOf(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func serveArchive(t *testing.T, archive []byte) (*httptest.Server, func() int) {
	t.Helper()

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, err := w.Write(archive)
		assert.NoError(t, err)
	}))
	t.Cleanup(server.Close)
	return server, func() int { return int(atomic.LoadInt32(&hits)) }
}

func TestEvalConditions(t *testing.T) {
	t.Parallel()

	spec := &ToolSpec{URL: "{BASE}/tool-{VERSION}.zip"}
	assert.True(t, evalConditions(spec, map[string]string{"BASE": "http://host", "VERSION": "1.2"}))
	assert.Equal(t, "http://host/tool-1.2.zip", spec.URL)

	spec = &ToolSpec{URL: "{MISSING}/tool.zip"}
	assert.True(t, evalConditions(spec, map[string]string{}))
	assert.Equal(t, "/tool.zip", spec.URL)

	spec = &ToolSpec{Condition: "HAVE"}
	assert.True(t, evalConditions(spec, map[string]string{"HAVE": "true"}))
	assert.False(t, evalConditions(spec, map[string]string{}))
	assert.False(t, evalConditions(spec, map[string]string{"HAVE": ""}))

	spec = &ToolSpec{Condition: "A, B"}
	assert.True(t, evalConditions(spec, map[string]string{"A": "1", "B": "1"}))
	assert.False(t, evalConditions(spec, map[string]string{"A": "1"}))

	spec = &ToolSpec{Rejections: "SKIP"}
	assert.False(t, evalConditions(spec, map[string]string{"SKIP": "true"}))
	assert.True(t, evalConditions(spec, map[string]string{}))
}

func TestLoadToolManifest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tools.yml")
	content := `vars:
  PANDOC_VERSION: 2.14.2

tools:
  pandoc:
    if: linux
    url: "https://example.org/pandoc-{PANDOC_VERSION}.tar.gz"
    dest: bin
    strip: 2
    sha256: abc123
    markExec: [pandoc]
  shellcheck:
    url: "https://example.org/shellcheck.tar.xz"
    dest: shellcheck
    sha256: def456
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	manifest, raw, err := LoadToolManifest(path)
	require.NoError(t, err)

	assert.Equal(t, content, raw)
	assert.Equal(t, []string{"pandoc", "shellcheck"}, manifest.Names())
	assert.Equal(t, "2.14.2", manifest.Vars["PANDOC_VERSION"])

	pandoc := manifest.Tools["pandoc"]
	assert.Equal(t, "linux", pandoc.Condition)
	assert.Equal(t, "bin", pandoc.Dest)
	assert.Equal(t, 2, pandoc.Strip)
	assert.Equal(t, []string{"pandoc"}, pandoc.MarkExec)
}

func TestProvisionToolsTarGz(t *testing.T) {
	t.Parallel()

	archive := makeTarGz(t)
	server, hits := serveArchive(t, archive)

	root := t.TempDir()
	stateDir := filepath.Join(root, ".testenv")
	manifestPath := filepath.Join(root, "tools.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`vars:
  BASE: %s

tools:
  mytool:
    url: "{BASE}/mytool.tar.gz"
    dest: mytool
    strip: 1
    sha256: %s
    markExec: [bin/mytool]
`, server.URL, digestOf(archive))), 0600))

	opts := ProvisionOptions{
		ProjectRoot:  root,
		ManifestPath: manifestPath,
		StateDir:     stateDir,
	}

	require.NoError(t, ProvisionTools(context.Background(), opts))
	assert.Equal(t, 1, hits())

	binPath := filepath.Join(root, ".tools", "mytool", "bin", "mytool")
	content, err := os.ReadFile(binPath)
	require.NoError(t, err)
	assert.Equal(t, toolScript, string(content))

	// entries above the strip level are dropped
	assert.NoFileExists(t, filepath.Join(root, ".tools", "mytool", "README"))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(binPath)
		require.NoError(t, err)
		assert.NotZero(t, info.Mode()&0100)
	}

	assert.FileExists(t, filepath.Join(stateDir, "tools.stamps"))

	// a second run is a no-op thanks to the stamp
	require.NoError(t, ProvisionTools(context.Background(), opts))
	assert.Equal(t, 1, hits())

	// removing the installed tool invalidates the stamp
	require.NoError(t, os.RemoveAll(filepath.Join(root, ".tools", "mytool")))
	require.NoError(t, ProvisionTools(context.Background(), opts))
	assert.Equal(t, 2, hits())
	assert.FileExists(t, binPath)
}

func TestProvisionToolsZip(t *testing.T) {
	t.Parallel()

	archive := makeZip(t)
	server, _ := serveArchive(t, archive)

	root := t.TempDir()
	manifestPath := filepath.Join(root, "tools.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`vars:
  BASE: %s

tools:
  mytool:
    url: "{BASE}/mytool.zip"
    dest: mytool
    strip: 1
    sha256: %s
    markExec: [bin/mytool]
`, server.URL, digestOf(archive))), 0600))

	require.NoError(t, ProvisionTools(context.Background(), ProvisionOptions{
		ProjectRoot:  root,
		ManifestPath: manifestPath,
		StateDir:     filepath.Join(root, ".testenv"),
	}))

	binPath := filepath.Join(root, ".tools", "mytool", "bin", "mytool")
	content, err := os.ReadFile(binPath)
	require.NoError(t, err)
	assert.Equal(t, toolScript, string(content))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(binPath)
		require.NoError(t, err)
		assert.NotZero(t, info.Mode()&0100)
	}
}

func TestProvisionToolsBrotli(t *testing.T) {
	t.Parallel()

	archive := makeTarBr(t)
	server, _ := serveArchive(t, archive)

	root := t.TempDir()
	manifestPath := filepath.Join(root, "tools.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`vars:
  BASE: %s

tools:
  mytool:
    url: "{BASE}/mytool.tar.br"
    dest: mytool
    strip: 1
    sha256: %s
`, server.URL, digestOf(archive))), 0600))

	require.NoError(t, ProvisionTools(context.Background(), ProvisionOptions{
		ProjectRoot:  root,
		ManifestPath: manifestPath,
		StateDir:     filepath.Join(root, ".testenv"),
	}))

	assert.FileExists(t, filepath.Join(root, ".tools", "mytool", "bin", "mytool"))
}

func TestProvisionToolsChecksumMismatch(t *testing.T) {
	t.Parallel()

	archive := makeTarGz(t)
	server, _ := serveArchive(t, archive)

	root := t.TempDir()
	stateDir := filepath.Join(root, ".testenv")
	manifestPath := filepath.Join(root, "tools.yml")
	wrongChecksum := strings.Repeat("0", 64)
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`vars:
  BASE: %s

tools:
  mytool:
    url: "{BASE}/mytool.tar.gz"
    dest: mytool
    strip: 1
    sha256: %s
`, server.URL, wrongChecksum)), 0600))

	opts := ProvisionOptions{
		ProjectRoot:  root,
		ManifestPath: manifestPath,
		StateDir:     stateDir,
	}

	err := ProvisionTools(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum check for mytool failed")
	assert.NoFileExists(t, filepath.Join(root, ".tools", "mytool", "bin", "mytool"))

	// the stamps file is saved even when provisioning fails
	assert.FileExists(t, filepath.Join(stateDir, "tools.stamps"))

	// update mode accepts the download and rewrites the manifest instead
	opts.Update = true
	require.NoError(t, ProvisionTools(context.Background(), opts))
	assert.FileExists(t, filepath.Join(root, ".tools", "mytool", "bin", "mytool"))

	manifest, _, err := LoadToolManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, digestOf(archive), manifest.Tools["mytool"].Sha256)
}

func TestProvisionToolsAddsMissingChecksum(t *testing.T) {
	t.Parallel()

	archive := makeTarGz(t)
	server, _ := serveArchive(t, archive)

	root := t.TempDir()
	manifestPath := filepath.Join(root, "tools.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`vars:
  BASE: %s

tools:
  mytool:
    url: "{BASE}/mytool.tar.gz"
    dest: mytool
    strip: 1
`, server.URL)), 0600))

	opts := ProvisionOptions{
		ProjectRoot:  root,
		ManifestPath: manifestPath,
		StateDir:     filepath.Join(root, ".testenv"),
	}

	err := ProvisionTools(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doesn't have a checksum")

	opts.Update = true
	require.NoError(t, ProvisionTools(context.Background(), opts))

	manifest, _, err := LoadToolManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, digestOf(archive), manifest.Tools["mytool"].Sha256)
}

func TestProvisionToolsUnknownOnly(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	manifestPath := filepath.Join(root, "tools.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`tools:
  mytool:
    url: "https://example.org/mytool.tar.gz"
    dest: mytool
    sha256: abc
`), 0600))

	err := ProvisionTools(context.Background(), ProvisionOptions{
		ProjectRoot:  root,
		ManifestPath: manifestPath,
		StateDir:     filepath.Join(root, ".testenv"),
		Only:         []string{"ghost"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool ghost is not defined in")
}

func TestProvisionToolsConditionSkip(t *testing.T) {
	t.Parallel()

	archive := makeTarGz(t)
	server, hits := serveArchive(t, archive)

	root := t.TempDir()
	manifestPath := filepath.Join(root, "tools.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`vars:
  BASE: %s

tools:
  mytool:
    if: NEVER_SET
    url: "{BASE}/mytool.tar.gz"
    dest: mytool
    sha256: %s
`, server.URL, digestOf(archive))), 0600))

	require.NoError(t, ProvisionTools(context.Background(), ProvisionOptions{
		ProjectRoot:  root,
		ManifestPath: manifestPath,
		StateDir:     filepath.Join(root, ".testenv"),
	}))

	assert.Equal(t, 0, hits())
	assert.NoDirExists(t, filepath.Join(root, ".tools"))
}

func TestProvisionToolsRejectsEscapingEntries(t *testing.T) {
	t.Parallel()

	tarBuffer := bytes.Buffer{}
	tarWriter := tar.NewWriter(&tarBuffer)
	require.NoError(t, tarWriter.WriteHeader(&tar.Header{
		Name:     "../../escape.txt",
		Mode:     0644,
		Size:     int64(len("gotcha")),
		Typeflag: tar.TypeReg,
	}))
	_, err := tarWriter.Write([]byte("gotcha"))
	require.NoError(t, err)
	require.NoError(t, tarWriter.Close())

	buffer := bytes.Buffer{}
	writer := gzip.NewWriter(&buffer)
	_, err = writer.Write(tarBuffer.Bytes())
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	archive := buffer.Bytes()
	server, _ := serveArchive(t, archive)

	root := t.TempDir()
	manifestPath := filepath.Join(root, "tools.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`vars:
  BASE: %s

tools:
  mytool:
    url: "{BASE}/mytool.tar.gz"
    dest: mytool
    sha256: %s
`, server.URL, digestOf(archive))), 0600))

	err = ProvisionTools(context.Background(), ProvisionOptions{
		ProjectRoot:  root,
		ManifestPath: manifestPath,
		StateDir:     filepath.Join(root, ".testenv"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "points outside of")
	assert.NoFileExists(t, filepath.Join(root, "escape.txt"))
	assert.NoFileExists(t, filepath.Join(root, ".tools", "escape.txt"))
}
