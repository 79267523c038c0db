// Package monitor writes run diagnostics: exchange time series, end-of-run
// array snapshots and run metrics.
package monitor

import (
	"path/filepath"
	"strings"

	"github.com/maseology/mmio"
)

const (
	seriesExt   = ".csv"
	snapshotExt = ".bin"
)

// Prepare readies an output directory, removing the output of a previous
// run. With preserveLast the previous files are kept with a ".last" suffix.
func Prepare(dir string, preserveLast bool) string {
	dir = strings.TrimRight(filepath.ToSlash(dir), "/") + "/"
	if preserveLast && mmio.DirExists(dir) {
		mmio.DeleteAllInDirectory(dir, ".last")
		for _, ext := range []string{seriesExt, snapshotExt} {
			for _, fp := range mmio.FileListExt(dir, ext) {
				mmio.MoveFile(fp, fp+".last")
			}
		}
	}
	mmio.MakeDir(dir)
	mmio.DeleteAllInDirectory(dir, seriesExt)
	mmio.DeleteAllInDirectory(dir, snapshotExt)
	return dir
}

func fileName(label string) string {
	return strings.NewReplacer("/", "_", `\`, "_", ":", "_", " ", "_").Replace(label)
}
