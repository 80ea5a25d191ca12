package build

import "fmt"

// GenerateLinkerScript produces a single read-write-execute memory region
// linker script starting at baseAddress, with entryPoint's section placed
// first in .text, per spec §4.1 step 5. memorySize bounds the region so the
// linker itself catches gross overflow before extraction/padding does.
func GenerateLinkerScript(entryPoint string, baseAddress, memorySize uint32) string {
	return fmt.Sprintf(linkerScriptTemplate, entryPoint, baseAddress, memorySize, entryPoint)
}

// linkerScriptTemplate mirrors the section ordering spec §4.1 step 5
// specifies: the entry wrapper's own section first, then the rest of .text
// and literal pools, then .rodata, .data, .bss (each 4-byte aligned), with
// __bss_start/__bss_end/__binary_end exposed and comment, note, unwind
// (.eh_frame) and attribute sections discarded.
const linkerScriptTemplate = `ENTRY(%[1]s)

MEMORY
{
  LOAD (rwx) : ORIGIN = 0x%08[2]x, LENGTH = 0x%[3]x
}

SECTIONS
{
  . = 0x%08[2]x;

  .text : {
    *(.text.%[4]s)
    *(.text .text.*)
    *(.rodata.str*)
    . = ALIGN(4);
  } > LOAD

  .rodata : {
    *(.rodata .rodata.*)
    . = ALIGN(4);
  } > LOAD

  .data : {
    *(.data .data.*)
    . = ALIGN(4);
  } > LOAD

  __bss_start = .;
  .bss (NOLOAD) : {
    *(.bss .bss.* COMMON)
    . = ALIGN(4);
  } > LOAD
  __bss_end = .;
  __binary_end = .;

  /DISCARD/ : {
    *(.comment)
    *(.note.*)
    *(.eh_frame)
    *(.ARM.attributes)
    *(.riscv.attributes)
  }
}
`
