package nfs

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Handle layout: [version][idLen][workspace id][inode:8][generation:8].
// Handles are stable across server restarts: everything needed to
// re-resolve them is either in the handle or on the host filesystem.
const (
	handleVersion  = 1
	handleOverhead = 2 + 8 + 8
	maxHandleSize  = 64
)

func encodeHandle(workspaceID string, inode, generation uint64) []byte {
	h := make([]byte, 0, 2+len(workspaceID)+16)
	h = append(h, handleVersion, byte(len(workspaceID)))
	h = append(h, workspaceID...)
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], inode)
	h = append(h, num[:]...)
	binary.BigEndian.PutUint64(num[:], generation)
	h = append(h, num[:]...)
	return h
}

func decodeHandle(fh []byte) (workspaceID string, inode, generation uint64, err error) {
	if len(fh) < handleOverhead+1 || fh[0] != handleVersion {
		return "", 0, 0, fmt.Errorf("malformed file handle")
	}
	idLen := int(fh[1])
	if len(fh) != 2+idLen+16 {
		return "", 0, 0, fmt.Errorf("malformed file handle")
	}
	workspaceID = string(fh[2 : 2+idLen])
	inode = binary.BigEndian.Uint64(fh[2+idLen:])
	generation = binary.BigEndian.Uint64(fh[2+idLen+8:])
	return workspaceID, inode, generation, nil
}

// statHandle returns the inode and generation of a host path. The generation
// is the file's birth time in nanoseconds, so an inode reused after an
// unlink gets a different generation and old handles go stale. Filesystems
// that do not report birth time yield generation 0 (handles still resolve,
// without reuse detection).
func statHandle(hostPath string) (inode, generation uint64, err error) {
	var stx unix.Statx_t
	err = unix.Statx(unix.AT_FDCWD, hostPath, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_INO|unix.STATX_BTIME, &stx)
	if err != nil {
		return 0, 0, err
	}
	inode = stx.Ino
	if stx.Mask&unix.STATX_BTIME != 0 {
		generation = uint64(stx.Btime.Sec)*1e9 + uint64(stx.Btime.Nsec)
	}
	return inode, generation, nil
}

// findInode walks the export directory looking for a path with the given
// inode. Used to rebuild the inode index after a restart; the walk is
// bounded by the workspace tree.
func findInode(root string, inode uint64) (string, bool) {
	var found string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Ino == inode {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if found == "" {
		return "", false
	}
	rel, err := filepath.Rel(root, found)
	if err != nil {
		return "", false
	}
	if rel == "." {
		rel = ""
	}
	return rel, true
}

// relToComponents splits a relative path into billy path components.
func relToComponents(rel string) []string {
	if rel == "" || rel == "." {
		return []string{}
	}
	return strings.Split(filepath.ToSlash(rel), "/")
}

func componentsToRel(path []string) string {
	return filepath.Join(path...)
}
