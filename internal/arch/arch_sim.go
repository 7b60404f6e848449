package arch

import "sync"

// Sim is a host-runnable stand-in for the real hardware seam: port space,
// MSR space and CR3 are modeled as plain maps/values instead of actual
// instructions. It lets the rest of the kernel's packages (and their
// tests) run and be exercised without a bootable image, the same role
// played by the "fake" backends the wider Go ecosystem reaches for when
// unit-testing hardware-adjacent code.
type Sim struct {
	mu   sync.Mutex
	ports map[uint16]uint32
	msrs  map[uint32]uint64
	cr3   uintptr
}

// NewSim returns a zeroed simulated machine.
func NewSim() *Sim {
	return &Sim{
		ports: make(map[uint16]uint32),
		msrs:  make(map[uint32]uint64),
	}
}

func (s *Sim) In8(port uint16) uint8   { return uint8(s.in(port)) }
func (s *Sim) In16(port uint16) uint16 { return uint16(s.in(port)) }
func (s *Sim) In32(port uint16) uint32 { return s.in(port) }

func (s *Sim) in(port uint16) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[port]
}

func (s *Sim) Out8(port uint16, v uint8)   { s.out(port, uint32(v)) }
func (s *Sim) Out16(port uint16, v uint16) { s.out(port, uint32(v)) }
func (s *Sim) Out32(port uint16, v uint32) { s.out(port, v) }

func (s *Sim) out(port uint16, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[port] = v
}

func (s *Sim) ReadMSR(msr uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msrs[msr]
}

func (s *Sim) WriteMSR(msr uint32, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msrs[msr] = v
}

func (s *Sim) ReadCR3() uintptr { return s.cr3 }

func (s *Sim) WriteCR3(pml4Phys uintptr) { s.cr3 = pml4Phys }

func (s *Sim) MFence() {}

func (s *Sim) CLFlush(addr uintptr, length int) {}

var _ Machine = (*Sim)(nil)
