// Package apputil provides small filesystem helpers shared across the
// config, store, and wot/paywall persistence code.
package apputil

import (
	"os"
	"path/filepath"

	"moar.dev/internal/chk"
)

// EnsureDir creates the parent directory of fileName if it does not exist.
func EnsureDir(fileName string) (err error) {
	dirName := filepath.Dir(fileName)
	if _, err = os.Stat(dirName); err != nil {
		if err = os.MkdirAll(dirName, 0o750); chk.E(err) {
			return
		}
		return nil
	}
	return nil
}

// FileExists reports whether the named file or directory exists.
func FileExists(filePath string) bool {
	_, e := os.Stat(filePath)
	return e == nil
}

// AtomicWriteFile writes data to path via a temp file in the same
// directory followed by a rename, so a concurrent reader or a crash
// mid-write never observes a partial file. Used by the wot and paywall
// snapshot/whitelist persistence and the config document writer.
func AtomicWriteFile(path string, data []byte) (err error) {
	if err = EnsureDir(path); chk.E(err) {
		return
	}
	dir := filepath.Dir(path)
	var tmp *os.File
	if tmp, err = os.CreateTemp(dir, ".tmp-*"); chk.E(err) {
		return
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); chk.E(err) {
		tmp.Close()
		os.Remove(tmpName)
		return
	}
	if err = tmp.Close(); chk.E(err) {
		os.Remove(tmpName)
		return
	}
	if err = os.Rename(tmpName, path); chk.E(err) {
		os.Remove(tmpName)
		return
	}
	return nil
}
