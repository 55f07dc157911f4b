package pkg

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"
)

// ToolSpec describes one external tool from the tools manifest. URLs may contain
// {VAR} placeholders which are resolved against the manifest vars plus the builtin
// GOOS, GOARCH and ci vars.
type ToolSpec struct {
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string
	Dest       string
	Sha256     string
	Strip      int
	MarkExec   []string `yaml:"markExec,omitempty"`
}

// ToolManifest is the parsed form of a tools.yml file
type ToolManifest struct {
	Vars  map[string]string
	Tools map[string]ToolSpec
}

// Names returns the sorted names of all tools in the manifest
func (m ToolManifest) Names() []string {
	names := make([]string, 0, len(m.Tools))
	for name := range m.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadToolManifest parses the given tools.yml file and returns both the parsed manifest
// and the raw file contents. The raw contents are needed for checksum updates which are
// done through plain text edits to keep comments and formatting intact.
func LoadToolManifest(path string) (ToolManifest, string, error) {
	var manifest ToolManifest

	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, "", eris.Wrapf(err, "could not open file %s", path)
	}

	err = yaml.Unmarshal(data, &manifest)
	if err != nil {
		return manifest, "", eris.Wrapf(err, "failed to parse %s", path)
	}

	return manifest, string(data), nil
}

func loadStamps(path string) (map[string]string, error) {
	stamps := map[string]string{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return nil, eris.Wrapf(err, "failed to read stamps file %s", path)
		}
		return stamps, nil
	}

	err = json.Unmarshal(data, &stamps)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse JSON file %s", path)
	}

	return stamps, nil
}

func saveStamps(path string, stamps map[string]string) error {
	data, err := json.Marshal(stamps)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(path), os.FileMode(0770))
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, os.FileMode(0660))
}

func evalConditions(meta *ToolSpec, vars map[string]string) bool {
	varMatcher := regexp.MustCompile(`\{([A-Z0-9_]+)\}`)

	meta.URL = varMatcher.ReplaceAllStringFunc(meta.URL, func(varName string) string {
		value, ok := vars[varName[1:len(varName)-1]]
		if ok {
			return value
		}
		return ""
	})

	for _, condition := range strings.Split(meta.Condition, ",") {
		if condition == "" {
			continue
		}

		value, ok := vars[strings.TrimSpace(condition)]
		if !ok || value == "" {
			return false
		}
	}

	for _, condition := range strings.Split(meta.Rejections, ",") {
		if condition == "" {
			continue
		}

		value, ok := vars[strings.TrimSpace(condition)]
		if ok && value != "" {
			return false
		}
	}
	return true
}

func getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		// progress output just clutters CI logs
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

// ProvisionOptions control a ProvisionTools run
type ProvisionOptions struct {
	// ProjectRoot is the directory that contains the configuration script. Tools are
	// installed below its .tools directory.
	ProjectRoot string
	// ManifestPath points to the tools.yml file.
	ManifestPath string
	// StateDir holds the stamps file which records already installed tools.
	StateDir string
	// Only restricts the run to the listed tools. An empty list means all tools.
	Only []string
	// Update rewrites outdated checksums in the manifest instead of failing on them.
	Update bool
}

// ProvisionTools downloads, verifies and unpacks the tools from the manifest. Tools
// whose stamp matches the manifest entry and whose destination still exists are left
// alone, everything else is fetched again.
func ProvisionTools(ctx context.Context, opts ProvisionOptions) error {
	manifest, rawManifest, err := LoadToolManifest(opts.ManifestPath)
	if err != nil {
		return err
	}

	stampsPath := filepath.Join(opts.StateDir, "tools.stamps")
	stamps, err := loadStamps(stampsPath)
	if err != nil {
		return err
	}

	vars := manifest.Vars
	if vars == nil {
		vars = map[string]string{}
	}
	vars[runtime.GOARCH] = "true"
	vars[runtime.GOOS] = "true"
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}

	names := manifest.Names()
	if len(opts.Only) > 0 {
		for _, name := range opts.Only {
			if _, found := manifest.Tools[name]; !found {
				return eris.Errorf("tool %s is not defined in %s", name, opts.ManifestPath)
			}
		}

		names = append([]string{}, opts.Only...)
		sort.Strings(names)
	}

	client := &http.Client{
		Timeout: time.Minute * 30,
	}

	changes := map[string]string{}
	for _, name := range names {
		meta := manifest.Tools[name]

		// the conditions have to be evaluated even in update mode because they resolve
		// the variable placeholders in the URL
		skip := !evalConditions(&meta, vars)
		if skip && !opts.Update {
			continue
		}

		err = provisionTool(ctx, client, name, meta, skip, stamps, changes, opts)
		if err != nil {
			saveErr := saveStamps(stampsPath, stamps)
			if saveErr != nil {
				PrintError(saveErr.Error())
			}
			return err
		}
	}

	err = saveStamps(stampsPath, stamps)
	if err != nil {
		return err
	}

	if opts.Update && len(changes) > 0 {
		PrintTask("Updating " + filepath.Base(opts.ManifestPath))
		generated, err := applyChecksumChanges(rawManifest, manifest, changes)
		if err != nil {
			return err
		}

		err = os.WriteFile(opts.ManifestPath, []byte(generated), os.FileMode(0660))
		if err != nil {
			return eris.Wrapf(err, "failed to write %s", opts.ManifestPath)
		}
	}

	return nil
}

func provisionTool(ctx context.Context, client *http.Client, name string, meta ToolSpec, skip bool, stamps, changes map[string]string, opts ProvisionOptions) error {
	toolsRoot := filepath.Join(opts.ProjectRoot, ".tools")
	destPath := filepath.Join(toolsRoot, meta.Dest)
	destInfo, err := os.Stat(destPath)
	destExists := err == nil

	stampToken := meta.URL + "#" + meta.Sha256
	stamp, ok := stamps[name]
	if ok && stampToken == stamp && destExists {
		return nil
	}

	PrintSubtask(name + ":  " + meta.URL)
	if meta.Sha256 == "" && !opts.Update {
		return eris.Errorf("tool %s doesn't have a checksum", name)
	}

	err = os.MkdirAll(opts.StateDir, os.FileMode(0770))
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", opts.StateDir)
	}

	arHandle, err := os.CreateTemp(opts.StateDir, "tool_dl_*")
	if err != nil {
		return eris.Wrap(err, "failed to create download file")
	}
	defer func() {
		arHandle.Close()
		os.Remove(arHandle.Name())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return eris.Wrapf(err, "failed to build request for %s", meta.URL)
	}

	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "failed to start download for %s", meta.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("download for %s failed with status %d", meta.URL, resp.StatusCode)
	}

	buf := make([]byte, 4096)
	hash := sha256.New()
	bar := getProgressBar(resp.ContentLength, "     download")
	for {
		n, err := resp.Body.Read(buf)
		if err != nil && n < 1 {
			if err == io.EOF {
				break
			}
			return eris.Wrapf(err, "failed during download of %s", meta.URL)
		}

		_, err = hash.Write(buf[:n])
		if err != nil {
			return eris.Wrapf(err, "failed to calculate checksum for %s", meta.URL)
		}

		_, err = arHandle.Write(buf[:n])
		if err != nil {
			return eris.Wrap(err, "failed to write download to file")
		}

		bar.Write(buf[:n])
	}
	bar.Finish()

	digest := hex.EncodeToString(hash.Sum(nil))
	if digest != meta.Sha256 {
		if opts.Update {
			fmt.Println("      Updating checksum")
			changes[name] = digest
		} else {
			return eris.Errorf("checksum check for %s failed", name)
		}
	}

	if skip {
		return nil
	}

	if destExists {
		PrintSubtask(fmt.Sprintf("Remove %s", destPath))
		if destInfo.IsDir() {
			err = os.RemoveAll(destPath)
		} else {
			err = os.Remove(destPath)
		}
		if err != nil {
			return err
		}
	}

	extractor, err := getExtractor(meta.URL)
	if err != nil {
		return err
	}

	size, err := arHandle.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	_, err = arHandle.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}

	bar = getProgressBar(size, "      extract")
	err = extractor(arHandle, bar, toolsRoot, meta)
	if err != nil {
		return err
	}

	if runtime.GOOS != "windows" {
		// .zip files don't carry permissions which means we have to manually fix
		// permissions for binaries in .zip files
		for _, binPath := range meta.MarkExec {
			binPath = filepath.Join(toolsRoot, meta.Dest, binPath)
			fi, err := os.Stat(binPath)
			if err != nil {
				return eris.Wrapf(err, "failed to read permissions for %s", binPath)
			}

			err = os.Chmod(binPath, fi.Mode()|0700)
			if err != nil {
				return eris.Wrapf(err, "failed to mark %s as executable", binPath)
			}
		}
	}

	stamps[name] = stampToken
	return nil
}

func applyChecksumChanges(rawManifest string, manifest ToolManifest, changes map[string]string) (string, error) {
	generated := rawManifest
	for name, newChecksum := range changes {
		pos := strings.Index(generated, name+":\n")
		if pos == -1 {
			return "", eris.Errorf("failed to find the section for %s", name)
		}

		oldChecksum := manifest.Tools[name].Sha256
		subPos := strings.Index(generated[pos:], "sha256: "+oldChecksum)
		if subPos == -1 {
			if oldChecksum == "" {
				start := pos + len(name) + 2
				generated = generated[:start] + "    sha256: " + newChecksum + "\n" + generated[start:]
			} else {
				fmt.Printf("     Couldn't find checksum section for %s.\n", name)
			}
		} else {
			start := pos + subPos + 8
			end := start + len(oldChecksum)
			generated = generated[:start] + newChecksum + generated[end:]
		}
	}

	return generated, nil
}

type archiveExtractor func(*os.File, *progressbar.ProgressBar, string, ToolSpec) error

func openExtractorDest(destPath string, item string, spec ToolSpec) (*os.File, string, error) {
	// normalize the path and strip spec.Strip elements from the beginning
	pathParts := strings.Split(filepath.Clean(item), string(filepath.Separator))
	if spec.Strip >= len(pathParts) {
		return nil, "/", nil
	}
	dest := filepath.Join(destPath, strings.Join(pathParts[spec.Strip:], string(filepath.Separator)))

	if dest == destPath {
		return nil, "/", nil
	}

	// leading .. elements survive the cleanup above and would let archive entries
	// write outside the destination
	if !strings.HasPrefix(dest, destPath+string(filepath.Separator)) {
		return nil, "", eris.Errorf("archive entry %s points outside of %s", item, destPath)
	}

	destParent := filepath.Dir(dest)
	err := os.MkdirAll(destParent, os.FileMode(0770))
	if err != nil {
		return nil, "", eris.Wrapf(err, "failed to create directory %s", destParent)
	}

	destHandle, err := os.Create(dest)
	if err != nil {
		return nil, "", eris.Wrapf(err, "failed to create file %s", dest)
	}

	return destHandle, dest, nil
}

func getExtractor(url string) (archiveExtractor, error) {
	if strings.HasSuffix(url, ".zip") {
		return extractZip, nil
	}

	if strings.HasSuffix(url, ".tar.gz") {
		return func(f *os.File, bar *progressbar.ProgressBar, toolsRoot string, spec ToolSpec) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, f, bar, toolsRoot, spec)
		}, nil
	}

	if strings.HasSuffix(url, ".tar.bz2") {
		return func(f *os.File, bar *progressbar.ProgressBar, toolsRoot string, spec ToolSpec) error {
			reader := bzip2.NewReader(f)

			return extractTar(reader, f, bar, toolsRoot, spec)
		}, nil
	}

	if strings.HasSuffix(url, ".tar.xz") {
		return func(f *os.File, bar *progressbar.ProgressBar, toolsRoot string, spec ToolSpec) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return err
			}

			return extractTar(reader, f, bar, toolsRoot, spec)
		}, nil
	}

	if strings.HasSuffix(url, ".tar.br") {
		return func(f *os.File, bar *progressbar.ProgressBar, toolsRoot string, spec ToolSpec) error {
			return extractTar(brotli.NewReader(f), f, bar, toolsRoot, spec)
		}, nil
	}

	return nil, eris.Errorf("archive format of %s is not supported", url)
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, toolsRoot string, spec ToolSpec) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return err
	}

	buf := make([]byte, 4096)
	destPath := filepath.Join(toolsRoot, spec.Dest)
	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		destHandle, dest, err := openExtractorDest(destPath, item.Name, spec)
		if err != nil {
			return err
		}

		if destHandle == nil {
			continue
		}

		itemHandle, err := item.Open()
		if err != nil {
			destHandle.Close()
			return eris.Wrap(err, "failed to open archive entry")
		}

		for {
			n, err := itemHandle.Read(buf)
			if err != nil && n < 1 {
				if err == io.EOF {
					break
				}
				itemHandle.Close()
				destHandle.Close()
				return eris.Wrapf(err, "failed to read archive entry %s", item.Name)
			}

			_, err = destHandle.Write(buf[:n])
			if err != nil {
				itemHandle.Close()
				destHandle.Close()
				return eris.Wrapf(err, "failed to write extracted file %s", dest)
			}

			pos, err := f.Seek(0, io.SeekCurrent)
			if err == nil {
				bar.Set64(pos)
			}
		}

		itemHandle.Close()
		destHandle.Close()
	}

	return nil
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, toolsRoot string, spec ToolSpec) error {
	buf := make([]byte, 4096)
	archive := tar.NewReader(r)
	destPath := filepath.Join(toolsRoot, spec.Dest)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		destHandle, dest, err := openExtractorDest(destPath, item.Name, spec)
		if err != nil {
			return err
		}

		if destHandle == nil {
			continue
		}

		if item.Typeflag&tar.TypeSymlink == tar.TypeSymlink {
			destHandle.Close()
			err := os.Remove(dest)
			if err != nil {
				return eris.Wrapf(err, "failed to remove placeholder file %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		}

		os.Chmod(dest, fi.Mode())

		for {
			n, err := archive.Read(buf)
			if err != nil && n < 1 {
				if err == io.EOF {
					break
				}
				destHandle.Close()
				return eris.Wrapf(err, "failed to read archive entry %s", item.Name)
			}

			_, err = destHandle.Write(buf[:n])
			if err != nil {
				destHandle.Close()
				return eris.Wrapf(err, "failed to write extracted file %s", dest)
			}

			pos, err := f.Seek(0, io.SeekCurrent)
			if err == nil {
				bar.Set64(pos)
			}
		}

		destHandle.Close()
	}

	return nil
}
