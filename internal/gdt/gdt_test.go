package gdt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"venix/internal/arch"
)

type fakeLoader struct{ loaded *PCB }

func (f *fakeLoader) LoadGDTAndTSS(pcb *PCB) { f.loaded = pcb }

func TestInitProgramsSyscallMSRs(t *testing.T) {
	sim := arch.NewSim()
	pcb := &PCB{}
	loader := &fakeLoader{}

	Init(sim, loader, pcb, 0xdead_beef)

	require.Same(t, pcb, loader.loaded)
	require.Equal(t, STAR(pcb.Selectors), sim.ReadMSR(arch.MSR_IA32_STAR))
	require.EqualValues(t, 0xdead_beef, sim.ReadMSR(arch.MSR_IA32_LSTAR))
	require.NotZero(t, sim.ReadMSR(arch.MSR_IA32_EFER)&1)
	require.EqualValues(t, pcb.SelfPtr, sim.ReadMSR(arch.MSR_IA32_GSBASE))
}

func TestSTARSelectorMath(t *testing.T) {
	sel := Selectors{KernelCode: 0x08, UserCode: 0x28}
	star := STAR(sel)
	require.EqualValues(t, uint64(0x08), (star>>32)&0xffff)
	require.EqualValues(t, uint64(0x28|3), (star>>48)&0xffff)
}
