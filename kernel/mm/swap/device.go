package swap

import (
	"io"

	"mipsvm/kernel"
	"mipsvm/kernel/kfmt"

	"golang.org/x/sys/unix"
)

var (
	// The following functions are used by tests to simulate host I/O
	// failures.
	openFn      = unix.Open
	ftruncateFn = unix.Ftruncate
	preadFn     = unix.Pread
	pwriteFn    = unix.Pwrite
	closeFn     = unix.Close

	errShortIO    = &kernel.Error{Module: "swap", Message: "short read/write on swap device"}
	errDeviceOpen = &kernel.Error{Module: "swap", Message: "swap device already initialized"}
)

// Device is the raw storage the swap store reads and writes slots from. It
// only needs fixed-size transfers at fixed offsets.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

// FileDevice is a Device backed by a host file. The file is created (or
// truncated) and sized when the driver is initialized.
type FileDevice struct {
	path string
	fd   int
	size int64
}

// NewFileDevice returns an uninitialized swap disk driver for the file at
// path.
func NewFileDevice(path string, size int64) *FileDevice {
	return &FileDevice{path: path, fd: -1, size: size}
}

// OpenFileDevice creates or truncates the file at path and sizes it to size
// bytes.
func OpenFileDevice(path string, size int64) (*FileDevice, *kernel.Error) {
	d := NewFileDevice(path, size)
	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

// DriverName returns the name of the driver.
func (d *FileDevice) DriverName() string {
	return "swapdisk"
}

// DriverVersion returns the driver version.
func (d *FileDevice) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit opens the backing file.
func (d *FileDevice) DriverInit(w io.Writer) *kernel.Error {
	if err := d.open(); err != nil {
		return err
	}
	kfmt.Fprintf(w, "%s, %d KiB\n", d.path, d.size>>10)
	return nil
}

func (d *FileDevice) open() *kernel.Error {
	if d.fd >= 0 {
		return errDeviceOpen
	}

	fd, err := openFn(d.path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0600)
	if err != nil {
		return kernel.HostError("swap", err)
	}

	if err = ftruncateFn(fd, d.size); err != nil {
		_ = closeFn(fd)
		return kernel.HostError("swap", err)
	}

	d.fd = fd
	return nil
}

// Size returns the device capacity in bytes.
func (d *FileDevice) Size() int64 {
	return d.size
}

// ReadAt implements io.ReaderAt.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	var read int
	for read < len(p) {
		n, err := preadFn(d.fd, p[read:], off+int64(read))
		if err != nil {
			return read, err
		}
		if n == 0 {
			return read, errShortIO
		}
		read += n
	}
	return read, nil
}

// WriteAt implements io.WriterAt.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	var written int
	for written < len(p) {
		n, err := pwriteFn(d.fd, p[written:], off+int64(written))
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, errShortIO
		}
		written += n
	}
	return written, nil
}

// Close releases the host file descriptor. Closing a device that was never
// initialized is a no-op.
func (d *FileDevice) Close() *kernel.Error {
	if d.fd < 0 {
		return nil
	}
	fd := d.fd
	d.fd = -1
	return kernel.HostError("swap", closeFn(fd))
}
