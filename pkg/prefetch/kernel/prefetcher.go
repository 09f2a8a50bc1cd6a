//go:build linux

// Package kernel is the concrete Prefetcher/BlockResolver adapter: the
// thin layer between pkg/prefetch's Controller and the kernel's actual
// readahead and madvise primitives (spec §1, §4.5).
package kernel

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Prefetcher issues kernel readahead for a region, falling back to a
// will-need mmap advisory when readahead is unsupported on the underlying
// filesystem (spec §4.5).
type Prefetcher struct{}

func New() *Prefetcher { return &Prefetcher{} }

// Prefetch implements pkg/prefetch.Prefetcher. Any failure is local and
// advisory: the region is simply skipped (spec §4.5, §7).
func (Prefetcher) Prefetch(path string, offset, length int64) error {
	fd, err := openNoAtime(path)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	err = unix.Fadvise(fd, offset, length, unix.FADV_WILLNEED)
	if err == nil {
		return nil
	}
	if err != unix.ENOTSUP && err != unix.ENOSYS {
		return err
	}

	return mmapWillNeed(fd, offset, length)
}

// openNoAtime opens path read-only, without updating atime and without
// acquiring a controlling terminal, best-effort: if O_NOATIME is refused
// (e.g. not the file owner and not privileged) it retries without it
// rather than failing the whole prefetch.
func openNoAtime(path string) (int, error) {
	flags := unix.O_RDONLY | unix.O_NOCTTY | unix.O_NOATIME
	fd, err := unix.Open(path, flags, 0)
	if err == nil {
		return fd, nil
	}
	return unix.Open(path, unix.O_RDONLY|unix.O_NOCTTY, 0)
}

func mmapWillNeed(fd int, offset, length int64) error {
	pageSize := int64(os.Getpagesize())
	alignedOffset := offset &^ (pageSize - 1)
	alignedEnd := (offset + length + pageSize - 1) &^ (pageSize - 1)
	alignedLength := alignedEnd - alignedOffset
	if alignedLength <= 0 {
		return nil
	}

	data, err := unix.Mmap(fd, alignedOffset, int(alignedLength), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		// Pseudo-filesystems that refuse mapping simply fail and are
		// skipped (spec §4.5).
		return err
	}
	defer unix.Munmap(data)

	return unix.Madvise(data, unix.MADV_WILLNEED)
}

// BlockResolver resolves inode numbers and, where the kernel exposes a
// logical-block ioctl, the first physical block backing a byte offset
// (spec §4.5 Inode/Block sort strategies).
type BlockResolver struct{}

func NewBlockResolver() *BlockResolver { return &BlockResolver{} }

func (BlockResolver) ResolveInode(path string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Ino), nil
}

// ResolveBlock returns the first physical block number covering offset in
// path, via FIBMAP. FIBMAP addresses the file in filesystem-block units,
// so offset is first converted from a byte offset to a block index.
func (BlockResolver) ResolveBlock(path string, offset int64) (int64, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	blockSize := st.Blksize
	if blockSize <= 0 {
		blockSize = 4096
	}

	// FIBMAP is an in/out ioctl: the caller writes the logical block index
	// and the kernel overwrites the same word with the physical block
	// number, so it needs the raw syscall rather than x/sys/unix's
	// write-only IoctlSetInt or zero-initialized IoctlGetInt helpers.
	block := uint32(offset / blockSize)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.FIBMAP), uintptr(unsafe.Pointer(&block)))
	if errno != 0 {
		return 0, errno
	}
	return int64(block), nil
}
