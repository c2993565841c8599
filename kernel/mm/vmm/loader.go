package vmm

import (
	"io"

	"mipsvm/kernel"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/mm/pt"
)

var errShortImage = &kernel.Error{Module: "vmm", Message: "executable image is shorter than the region file size"}

// ImageLoader supplies the contents of file-backed pages.
type ImageLoader interface {
	// LoadPage fills dst with the page at vaddr of region r. Bytes past
	// the region's file size are zeroed.
	LoadPage(r pt.Region, vaddr uintptr, dst []byte) *kernel.Error
}

// ReaderAtLoader is an ImageLoader that reads pages from an executable image
// exposed as an io.ReaderAt.
type ReaderAtLoader struct {
	Image io.ReaderAt
}

// LoadPage implements ImageLoader.
func (l ReaderAtLoader) LoadPage(r pt.Region, vaddr uintptr, dst []byte) *kernel.Error {
	off := (vaddr & mm.PageFrame) - r.Base

	n := uintptr(0)
	if off < r.FileSize {
		n = r.FileSize - off
		if n > mm.PageSize {
			n = mm.PageSize
		}
	}

	if n > 0 {
		read, err := l.Image.ReadAt(dst[:n], r.FileOffset+int64(off))
		if uintptr(read) < n {
			if err == nil || err == io.EOF {
				return errShortImage
			}
			return kernel.HostError("vmm", err)
		}
	}

	kernel.Memset(dst[n:], 0)
	return nil
}
