package nfs

import (
	"context"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	nfslib "github.com/willscott/go-nfs"
	"golang.org/x/sys/unix"

	"github.com/openelevo/elevo/internal/apperr"
	"github.com/openelevo/elevo/internal/db"
	"github.com/openelevo/elevo/internal/log"
)

// export is one mounted workspace: its billy filesystem plus the inode → path
// index handles resolve through.
type export struct {
	workspaceID string
	dir         string
	fs          billy.Filesystem

	mu     sync.Mutex
	inodes map[uint64]string // inode → relative path
}

func (e *export) remember(inode uint64, rel string) {
	e.mu.Lock()
	e.inodes[inode] = rel
	e.mu.Unlock()
}

func (e *export) lookup(inode uint64) (string, bool) {
	e.mu.Lock()
	rel, ok := e.inodes[inode]
	e.mu.Unlock()
	return rel, ok
}

func (e *export) forget(inode uint64) {
	e.mu.Lock()
	delete(e.inodes, inode)
	e.mu.Unlock()
}

// Handler maps NFS mounts and file handles onto workspace directories. It
// implements the go-nfs Handler interface; the protocol engine handles the
// RFC 1813 operation set (READ/WRITE/READDIRPLUS/COMMIT/wcc_data and the
// rest) on the billy filesystems this handler hands out.
type Handler struct {
	store *db.DB
	root  string

	mu        sync.Mutex
	exports   map[string]*export           // workspace id → export
	byBillyFS map[billy.Filesystem]*export // reverse map for ToHandle
}

var _ nfslib.Handler = (*Handler)(nil)

func NewHandler(store *db.DB, workspaceRoot string) *Handler {
	return &Handler{
		store:     store,
		root:      workspaceRoot,
		exports:   make(map[string]*export),
		byBillyFS: make(map[billy.Filesystem]*export),
	}
}

// Mount resolves /{workspace-id} against the metadata store. Unknown ids
// answer MNT3ERR_NOENT; everything else is classified through the apperr
// kind table.
func (h *Handler) Mount(ctx context.Context, conn net.Conn, req nfslib.MountRequest) (nfslib.MountStatus, billy.Filesystem, []nfslib.AuthFlavor) {
	workspaceID := strings.Trim(string(req.Dirpath), "/")
	logger := log.WithComponent("nfs")

	exp, err := h.exportFor(workspaceID)
	if err != nil {
		logger.Warn().Err(err).Str("workspace_id", workspaceID).Msg("mount refused")
		return mountStatus(err), nil, nil
	}

	logger.Info().Str("workspace_id", workspaceID).Str("client", conn.RemoteAddr().String()).Msg("workspace mounted")
	return nfslib.MountStatusOk, exp.fs, []nfslib.AuthFlavor{nfslib.AuthFlavorNull}
}

// mountStatus derives the MOUNT protocol status from an error's kind. The
// MOUNT statuses share the NFS3ERR numeric space, so the apperr table drives
// the choice.
func mountStatus(err error) nfslib.MountStatus {
	switch apperr.NFSStatus(apperr.KindOf(err)) {
	case apperr.NFS3ErrNoEnt:
		return nfslib.MountStatusErrNoEnt
	case apperr.NFS3ErrPerm:
		return nfslib.MountStatusErrPerm
	case apperr.NFS3ErrAcces:
		return nfslib.MountStatusErrAcces
	case apperr.NFS3ErrInval:
		return nfslib.MountStatusErrInval
	case apperr.NFS3ErrSrvFault:
		return nfslib.MountStatusErrServerFault
	default:
		return nfslib.MountStatusErrIO
	}
}

// exportFor returns (creating if needed) the export state for a workspace.
// Both mount and handle resolution come through here, so every path
// revalidates the workspace against the store.
func (h *Handler) exportFor(workspaceID string) (*export, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, err := h.store.GetWorkspace(workspaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "metadata store lookup failed")
	}
	if w == nil {
		return nil, apperr.New(apperr.NotFound, "workspace %s not found", workspaceID)
	}
	if exp, ok := h.exports[workspaceID]; ok {
		return exp, nil
	}

	dir := filepath.Join(h.root, workspaceID)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, apperr.New(apperr.Internal, "workspace %s directory missing", workspaceID)
	}

	exp := &export{
		workspaceID: workspaceID,
		dir:         dir,
		fs:          osfs.New(dir),
		inodes:      make(map[uint64]string),
	}
	h.exports[workspaceID] = exp
	h.byBillyFS[exp.fs] = exp
	return exp, nil
}

// Change exposes attribute mutation (SETATTR) when the filesystem supports
// it.
func (h *Handler) Change(fs billy.Filesystem) billy.Change {
	if c, ok := fs.(billy.Change); ok {
		return c
	}
	return nil
}

// FSStat fills FSSTAT/FSINFO from the host filesystem backing the export.
func (h *Handler) FSStat(ctx context.Context, fs billy.Filesystem, stat *nfslib.FSStat) error {
	exp := h.exportOf(fs)
	if exp == nil {
		return apperr.New(apperr.NotFound, "unknown export")
	}
	var sfs unix.Statfs_t
	if err := unix.Statfs(exp.dir, &sfs); err != nil {
		return apperr.Wrap(apperr.Internal, err, "statfs %s", exp.workspaceID)
	}
	bsize := uint64(sfs.Bsize)
	stat.TotalSize = sfs.Blocks * bsize
	stat.FreeSize = sfs.Bfree * bsize
	stat.AvailableSize = sfs.Bavail * bsize
	stat.TotalFiles = sfs.Files
	stat.FreeFiles = sfs.Ffree
	stat.AvailableFiles = sfs.Ffree
	return nil
}

// ToHandle encodes a stable handle for a path: workspace id, inode, and a
// birth-time generation.
func (h *Handler) ToHandle(fs billy.Filesystem, path []string) []byte {
	exp := h.exportOf(fs)
	if exp == nil {
		return nil
	}
	rel := componentsToRel(path)
	inode, gen, err := statHandle(filepath.Join(exp.dir, rel))
	if err != nil {
		return nil
	}
	exp.remember(inode, rel)
	return encodeHandle(exp.workspaceID, inode, gen)
}

// FromHandle resolves a handle back to its filesystem and path. A handle
// whose inode is gone, or whose generation no longer matches (the inode was
// reused after an unlink), resolves to nothing and the protocol layer
// answers NFS3ERR_STALE (apperr.NFS3ErrStale).
func (h *Handler) FromHandle(fh []byte) (billy.Filesystem, []string, error) {
	workspaceID, inode, gen, err := decodeHandle(fh)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.InvalidArgument, err, "malformed file handle")
	}

	exp, err := h.exportFor(workspaceID)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.NotFound, err, "stale workspace handle")
	}

	rel, ok := exp.lookup(inode)
	if ok {
		if sameGeneration(filepath.Join(exp.dir, rel), inode, gen) {
			return exp.fs, relToComponents(rel), nil
		}
		exp.forget(inode)
	}

	// Index miss (server restarted, or the path moved): rebuild from the
	// tree.
	rel, ok = findInode(exp.dir, inode)
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, "stale handle")
	}
	if !sameGeneration(filepath.Join(exp.dir, rel), inode, gen) {
		return nil, nil, apperr.New(apperr.NotFound, "stale handle: inode reused")
	}
	exp.remember(inode, rel)
	return exp.fs, relToComponents(rel), nil
}

// InvalidateHandle drops an unlinked file from the index.
func (h *Handler) InvalidateHandle(fs billy.Filesystem, fh []byte) error {
	_, inode, _, err := decodeHandle(fh)
	if err != nil {
		return nil
	}
	if exp := h.exportOf(fs); exp != nil {
		exp.forget(inode)
	}
	return nil
}

// HandleLimit is effectively unbounded: handles are derived, not cached.
func (h *Handler) HandleLimit() int { return math.MaxInt32 }

func (h *Handler) exportOf(fs billy.Filesystem) *export {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byBillyFS[fs]
}

func sameGeneration(hostPath string, inode, gen uint64) bool {
	curInode, curGen, err := statHandle(hostPath)
	if err != nil {
		return false
	}
	return curInode == inode && curGen == gen
}
