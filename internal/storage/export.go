package storage

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

// WriteZip writes a zip archive of the named log files to w. Each entry
// holds the decompressed log and is named without the compression suffix.
func WriteZip(w io.Writer, dir string, names []string) error {
	zw := zip.NewWriter(w)
	for _, name := range names {
		if err := addZipEntry(zw, dir, name); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addZipEntry(zw *zip.Writer, dir, name string) error {
	path, err := ResolveName(dir, name)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	src, err := OpenLog(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer src.Close()

	dst, err := zw.CreateHeader(&zip.FileHeader{
		Name:     PlainName(name),
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	return nil
}
