/*
Package vm emulates the CORVUS-32 computer: a 32-bit fixed-width RISC-style CPU with a two-level
paging MMU, user and privileged modes, a trap discipline and a small bus of memory-mapped
devices.

The physical address space is flat, byte addressed and big endian. The top 4 KiB is the
trap-vector aperture: six architected 16-byte slots that each hold one instruction, installed by
the strap instructions. Devices occupy reserved high ranges below the aperture; everything else
is backing RAM.

Every instruction is sixteen bytes, four big-endian words: opcode, op1, op2, op3. The CPU
fetches through the MMU, checks operands against a descriptor table and dispatches. Memory
faults, privilege violations and division by zero become traps: the USER/INTR shadow bits in
STATUS shift down a slot, the fault count rises, RETURN latches the PC and control transfers
through the vector. rfe unwinds all of it. A second nested fault is a double fault; a third
halts the machine.

Interrupting devices run on their own goroutines and raise numbered interrupts into the
interrupt controller, which serializes them and pulls the CPU's interrupt line. Delivery traps
through the controller's jump stub, an 8-byte window that always reads as a jmp to the vector
registered for the interrupt being delivered.
*/
package vm
