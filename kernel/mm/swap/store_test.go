package swap

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"mipsvm/kernel/mm"
)

func pageOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, int(mm.PageSize))
}

func newFileStore(t *testing.T, slots int64) (*Store, *FileDevice) {
	size := slots * int64(mm.PageSize)
	dev, err := OpenFileDevice(filepath.Join(t.TempDir(), "swapfile"), size)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dev.Close() })

	s, err := NewStore(dev, size)
	if err != nil {
		t.Fatal(err)
	}
	return s, dev
}

func TestStoreRoundTrip(t *testing.T) {
	s, _ := newFileStore(t, 8)

	specs := []struct {
		pid  mm.PID
		page mm.Page
		fill byte
	}{
		{1, 0x1, 0xaa},
		{1, 0x2, 0xbb},
		{2, 0x1, 0xcc},
		{3, 0x7ffed, 0xdd},
	}

	for specIndex, spec := range specs {
		if _, err := s.WriteOut(spec.pid, spec.page, pageOf(spec.fill)); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}
	}

	if used, free := s.Stats(); used != uint32(len(specs)) || free != 8-uint32(len(specs)) {
		t.Fatalf("expected used/free to be %d/%d; got %d/%d", len(specs), 8-len(specs), used, free)
	}

	dst := make([]byte, mm.PageSize)
	for specIndex, spec := range specs {
		found, err := s.ReadIn(spec.pid, spec.page, dst, Load)
		if err != nil || !found {
			t.Fatalf("[spec %d] expected page to be found; got found=%t err=%v", specIndex, found, err)
		}

		if !bytes.Equal(dst, pageOf(spec.fill)) {
			t.Errorf("[spec %d] page contents do not match the written data", specIndex)
		}

		if found, _ = s.ReadIn(spec.pid, spec.page, dst, Load); found {
			t.Errorf("[spec %d] expected a second ReadIn to report found=false", specIndex)
		}
	}

	if used, _ := s.Stats(); used != 0 {
		t.Fatalf("expected all slots to be released; got %d in use", used)
	}
}

func TestStoreDiscard(t *testing.T) {
	s, _ := newFileStore(t, 2)

	if found, err := s.ReadIn(1, 1, nil, Discard); found || err != nil {
		t.Fatalf("expected discard of a missing page to return false, nil; got %t, %v", found, err)
	}

	if _, err := s.WriteOut(1, 1, pageOf(1)); err != nil {
		t.Fatal(err)
	}

	if found, err := s.ReadIn(1, 1, nil, Discard); !found || err != nil {
		t.Fatalf("expected discard to find the page; got %t, %v", found, err)
	}

	if s.Contains(1, 1) {
		t.Fatal("expected the index entry to be removed by Discard")
	}

	if used, _ := s.Stats(); used != 0 {
		t.Fatalf("expected slot to be freed by Discard; got %d in use", used)
	}
}

func TestStoreOverwrite(t *testing.T) {
	s, _ := newFileStore(t, 4)

	first, err := s.WriteOut(5, 9, pageOf(1))
	if err != nil {
		t.Fatal(err)
	}

	second, err := s.WriteOut(5, 9, pageOf(2))
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Fatalf("expected overwrite to reuse slot %d; got %d", first, second)
	}

	if used, _ := s.Stats(); used != 1 {
		t.Fatalf("expected 1 slot in use; got %d", used)
	}

	dst := make([]byte, mm.PageSize)
	if _, err = s.ReadIn(5, 9, dst, Load); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, pageOf(2)) {
		t.Fatal("expected the latest contents to be returned")
	}
}

func TestStoreProbing(t *testing.T) {
	s, _ := newFileStore(t, 4)

	// (page * pid) % slots == 2 for both keys.
	a, _ := s.WriteOut(1, 2, pageOf(1))
	b, _ := s.WriteOut(2, 1, pageOf(2))

	if exp := uint32(2); a != exp {
		t.Fatalf("expected first key to land on slot %d; got %d", exp, a)
	}
	if exp := uint32(3); b != exp {
		t.Fatalf("expected colliding key to probe to slot %d; got %d", exp, b)
	}

	// Probing wraps around.
	c, _ := s.WriteOut(3, 1, pageOf(3))
	if exp := uint32(0); c != exp {
		t.Fatalf("expected probe to wrap to slot %d; got %d", exp, c)
	}
}

func TestStoreOutOfSwap(t *testing.T) {
	s, _ := newFileStore(t, 2)

	for page := mm.Page(1); page <= 2; page++ {
		if _, err := s.WriteOut(1, page, pageOf(byte(page))); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.WriteOut(1, 3, pageOf(3)); err != ErrOutOfSwap {
		t.Fatalf("expected to get ErrOutOfSwap; got %v", err)
	}

	// Existing copies are untouched.
	dst := make([]byte, mm.PageSize)
	if found, err := s.ReadIn(1, 2, dst, Load); !found || err != nil || !bytes.Equal(dst, pageOf(2)) {
		t.Fatalf("expected page 2 to survive a failed WriteOut; got found=%t err=%v", found, err)
	}
}

func TestStoreErrors(t *testing.T) {
	t.Run("too small", func(t *testing.T) {
		if _, err := NewStore(&faultyDevice{}, int64(mm.PageSize-1)); err != errTooSmall {
			t.Fatalf("expected to get errTooSmall; got %v", err)
		}
	})

	t.Run("bad buffer size", func(t *testing.T) {
		s, _ := NewStore(&faultyDevice{}, int64(mm.PageSize))
		if _, err := s.WriteOut(1, 1, make([]byte, 10)); err != errBadPageSize {
			t.Fatalf("expected to get errBadPageSize; got %v", err)
		}
		if _, err := s.ReadIn(1, 1, make([]byte, 10), Load); err != errBadPageSize {
			t.Fatalf("expected to get errBadPageSize; got %v", err)
		}
	})

	t.Run("write failure", func(t *testing.T) {
		dev := &faultyDevice{writeErr: errors.New("disk on fire")}
		s, _ := NewStore(dev, 2*int64(mm.PageSize))

		_, err := s.WriteOut(1, 1, pageOf(1))
		if err == nil || err.Module != "swap" || err.Message != "disk on fire" {
			t.Fatalf("expected a wrapped host error; got %v", err)
		}

		if used, _ := s.Stats(); used != 0 || s.Contains(1, 1) {
			t.Fatal("expected a failed write to leave no slot or index entry behind")
		}
	})

	t.Run("read failure", func(t *testing.T) {
		dev := &faultyDevice{readErr: errors.New("bad sector")}
		s, _ := NewStore(dev, 2*int64(mm.PageSize))

		if _, err := s.WriteOut(1, 1, pageOf(1)); err != nil {
			t.Fatal(err)
		}

		found, err := s.ReadIn(1, 1, make([]byte, mm.PageSize), Load)
		if !found || err == nil || err.Message != "bad sector" {
			t.Fatalf("expected found=true with a wrapped host error; got %t, %v", found, err)
		}

		if !s.Contains(1, 1) {
			t.Fatal("expected the swapped copy to survive a failed read")
		}
	})
}

func TestFileDeviceErrors(t *testing.T) {
	origOpen, origFtruncate, origPread, origPwrite := openFn, ftruncateFn, preadFn, pwriteFn
	defer func() {
		openFn = origOpen
		ftruncateFn = origFtruncate
		preadFn = origPread
		pwriteFn = origPwrite
	}()

	path := filepath.Join(t.TempDir(), "swapfile")

	t.Run("open", func(t *testing.T) {
		openFn = func(string, int, uint32) (int, error) { return -1, errors.New("EACCES") }
		defer func() { openFn = origOpen }()

		if _, err := OpenFileDevice(path, int64(mm.PageSize)); err == nil || err.Message != "EACCES" {
			t.Fatalf("expected open error to be returned; got %v", err)
		}
	})

	t.Run("ftruncate", func(t *testing.T) {
		ftruncateFn = func(int, int64) error { return errors.New("ENOSPC") }
		defer func() { ftruncateFn = origFtruncate }()

		if _, err := OpenFileDevice(path, int64(mm.PageSize)); err == nil || err.Message != "ENOSPC" {
			t.Fatalf("expected ftruncate error to be returned; got %v", err)
		}
	})

	t.Run("short io", func(t *testing.T) {
		dev, err := OpenFileDevice(path, int64(mm.PageSize))
		if err != nil {
			t.Fatal(err)
		}
		defer dev.Close()

		preadFn = func(int, []byte, int64) (int, error) { return 0, nil }
		pwriteFn = func(int, []byte, int64) (int, error) { return 0, nil }

		if _, rerr := dev.ReadAt(make([]byte, 16), 0); rerr != errShortIO {
			t.Errorf("expected to get errShortIO; got %v", rerr)
		}
		if _, werr := dev.WriteAt(make([]byte, 16), 0); werr != errShortIO {
			t.Errorf("expected to get errShortIO; got %v", werr)
		}
	})

	t.Run("driver init", func(t *testing.T) {
		dev := NewFileDevice(path, 2*int64(mm.PageSize))
		if err := dev.Close(); err != nil {
			t.Fatalf("expected closing an uninitialized device to be a no-op; got %v", err)
		}

		var buf bytes.Buffer
		if err := dev.DriverInit(&buf); err != nil {
			t.Fatal(err)
		}
		defer dev.Close()

		if exp, got := path+", 8 KiB\n", buf.String(); got != exp {
			t.Errorf("expected driver init to print %q; got %q", exp, got)
		}
		if err := dev.DriverInit(&buf); err != errDeviceOpen {
			t.Errorf("expected to get errDeviceOpen; got %v", err)
		}
	})

	t.Run("close twice", func(t *testing.T) {
		dev, err := OpenFileDevice(path, int64(mm.PageSize))
		if err != nil {
			t.Fatal(err)
		}
		if err = dev.Close(); err != nil {
			t.Fatal(err)
		}
		if err = dev.Close(); err != nil {
			t.Fatalf("expected second Close to be a no-op; got %v", err)
		}
	})
}

type faultyDevice struct {
	data     [2 * mm.PageSize]byte
	readErr  error
	writeErr error
}

func (d *faultyDevice) ReadAt(p []byte, off int64) (int, error) {
	if d.readErr != nil {
		return 0, d.readErr
	}
	return copy(p, d.data[off:]), nil
}

func (d *faultyDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	return copy(d.data[off:], p), nil
}
