package idt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"venix/internal/apic"
	"venix/internal/arch"
)

type fakeFeatures struct{}

func (fakeFeatures) HasAPIC() bool   { return true }
func (fakeFeatures) HasX2APIC() bool { return true }

func newTestTable(t *testing.T) (*Table, *arch.Sim) {
	t.Helper()
	sim := arch.NewSim()
	sim.WriteMSR(arch.MSR_IA32_APIC_BASE, 1<<8)
	lapic := apic.InitLocalAPIC(sim, fakeFeatures{}, false, nil)
	return NewTable(lapic), sim
}

func TestDispatchInvokesOverriddenHandler(t *testing.T) {
	tbl, _ := newTestTable(t)
	var got Frame
	tbl.SetExceptionHandler(VecGP, func(f Frame) { got = f })

	tbl.Dispatch(Frame{Vector: VecGP, RIP: 0x1000, ErrCode: 7})

	require.EqualValues(t, VecGP, got.Vector)
	require.EqualValues(t, 0x1000, got.RIP)
	require.EqualValues(t, 7, got.ErrCode)
}

func TestDispatchPanicsOnUnknownVector(t *testing.T) {
	tbl, _ := newTestTable(t)
	require.Panics(t, func() { tbl.Dispatch(Frame{Vector: 0x99}) })
}

func TestDefaultHandlersArePanicOnFault(t *testing.T) {
	tbl, _ := newTestTable(t)
	require.Panics(t, func() { tbl.Dispatch(Frame{Vector: VecPF, FaultVA: 0xdead}) })
}

func TestFatalHandlerDecodesInstructionBytesForUD(t *testing.T) {
	tbl, _ := newTestTable(t)
	// 0x90 is NOP; a valid x86asm decode shouldn't change the outcome —
	// the default handler always panics regardless of what it logs.
	require.Panics(t, func() {
		tbl.Dispatch(Frame{Vector: VecUD, RIP: 0x2000, InstructionBytes: []byte{0x90}})
	})
}

func TestFatalHandlerToleratesUndecodableInstructionBytes(t *testing.T) {
	tbl, _ := newTestTable(t)
	require.Panics(t, func() {
		tbl.Dispatch(Frame{Vector: VecGP, RIP: 0x3000, InstructionBytes: []byte{0xff, 0xff, 0xff}})
	})
}

func TestDispatchIRQRunsChainInOrderAfterEOI(t *testing.T) {
	tbl, sim := newTestTable(t)
	sim.WriteMSR(arch.MSR_X2APIC_EOI, 0xff)
	var order []int
	tbl.AddHandlerToIRQ(1, func() { order = append(order, 1) })
	tbl.AddHandlerToIRQ(1, func() { order = append(order, 2) })

	tbl.DispatchIRQ(1)

	require.Equal(t, []int{1, 2}, order)
	require.Zero(t, sim.ReadMSR(arch.MSR_X2APIC_EOI))
}
