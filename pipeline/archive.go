package pipeline

import (
	"archive/zip"
	"io"
	"path/filepath"
	"strings"

	"github.com/SwitchGDX/clearwing-vm/fault"
)

// readArchive pulls every class file out of a jar or zip archive.
func readArchive(path string) ([]classBlob, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fault.New(fault.IOError, "opening archive %s", path).Wrap(err)
	}
	defer r.Close()

	var blobs []classBlob
	for _, f := range r.File {
		if !strings.HasSuffix(f.Name, ".class") || strings.HasPrefix(filepath.Base(f.Name), ".") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fault.New(fault.IOError, "reading %s from %s", f.Name, path).Wrap(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fault.New(fault.IOError, "reading %s from %s", f.Name, path).Wrap(err)
		}
		blobs = append(blobs, classBlob{path: path + "!" + f.Name, data: data})
	}
	return blobs, nil
}
