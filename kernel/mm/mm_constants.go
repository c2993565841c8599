package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageFrame masks out the offset bits of an address.
	PageFrame = ^(PageSize - 1)

	// UserStack is the top of the user stack; the stack grows down from
	// here and it is also the start of the kernel segment.
	UserStack = uintptr(0x80000000)

	// StackPages is the fixed size of every user stack region.
	StackPages = 18

	// StackBase is the lowest address of the user stack region.
	StackBase = UserStack - StackPages*PageSize
)
