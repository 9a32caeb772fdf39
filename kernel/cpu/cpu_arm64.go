package cpu

// Halt stops instruction execution by entering a low-power event loop. It is
// the only error "handler" available before the MMU and the exception vectors
// are up; calls to Halt never return.
func Halt()

// DataSyncBarrier completes all outstanding memory accesses within the inner
// shareable domain (dsb ish).
func DataSyncBarrier()

// InstrSyncBarrier flushes the pipeline so that all following instructions
// observe previous context-changing operations (isb sy).
func InstrSyncBarrier()

// FlushTLB invalidates all stage-1 EL1 TLB entries for the current ASID
// space (tlbi vmalle1).
func FlushTLB()

// WriteMAIREL1 programs the EL1 memory-attribute indirection register. Each
// of the 8 attribute slots encodes the memory type for translation entries
// whose AttrIndx field selects that slot.
func WriteMAIREL1(v uint64)

// WriteTCREL1 programs the EL1 translation-control register (granule sizes,
// address-space sizes and cacheability of the table walks).
func WriteTCREL1(v uint64)

// WriteTTBR0EL1 programs the translation-table base register for the lower
// (user) half of the address space.
func WriteTTBR0EL1(v uint64)

// WriteTTBR1EL1 programs the translation-table base register for the upper
// (kernel) half of the address space.
func WriteTTBR1EL1(v uint64)

// ReadSCTLREL1 returns the current value of the EL1 system-control register.
func ReadSCTLREL1() uint64

// WriteSCTLREL1 programs the EL1 system-control register. Setting the M bit
// turns address translation on; the caller is responsible for the required
// barriers around the write.
func WriteSCTLREL1(v uint64)
