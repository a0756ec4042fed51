/*
Package mm provides the memory-management collaborators the kernel core
consumes: a physical frame allocator and per-process address spaces.

Physical memory is simulated. Every frame is backed by a real 4 KiB byte
page, so a value written through one virtual mapping of a frame is visible
through every other mapping of the same frame.

# Frames

	mem := mm.NewPhysicalMemory(1024)
	f, err := mem.AllocateFrame()
	if err != nil {
		// out of memory
	}
	defer mem.ReleaseFrame(f)

# Address spaces

An AddressSpace is a page table plus a reference count. Threads created by
clone share one AddressSpace; fork gives the child a Clone.

	as := mm.NewAddressSpace(mem)
	as.Map(0x400000, f, false)
	as.WriteAt([]byte("hi"), 0x400000)
*/
package mm
