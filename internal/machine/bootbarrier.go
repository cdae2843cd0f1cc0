package machine

import (
	"encoding/binary"
	"time"

	"uhyve/internal/bootinfo"
)

// WaitBootBarrier spin-waits until the guest's boot_barrier field
// reaches id, then publishes id into current_cpu, giving APs a strict
// monotonic boot order. The boot processor (id 0) does not wait.
func (m *Machine) WaitBootBarrier(id uint32) {
	if id == 0 {
		return
	}

	barrier := m.Mem.Buf[BootInfoAddr+bootinfo.OffBootBarrier:]
	current := m.Mem.Buf[BootInfoAddr+bootinfo.OffCurrentCPU:]

	for binary.LittleEndian.Uint32(barrier) < id {
		time.Sleep(time.Microsecond)
	}

	binary.LittleEndian.PutUint32(current, id)
}
