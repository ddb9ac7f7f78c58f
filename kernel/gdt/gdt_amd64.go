package gdt

// loadGDT loads the GDT descriptor pointing at table into GDTR.
func loadGDT(table *[tableSize]uint64)

// reloadCS performs a far jump/return sequence that reloads CS with the
// given selector. Data segment registers do not need reloading in long mode.
func reloadCS(selector uint16)

// loadTSS loads the TSS selector into the task register with LTR.
func loadTSS(selector uint16)
