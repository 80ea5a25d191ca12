package build

import (
	"encoding/binary"
)

// fakeELF64Spec describes the handful of sections and symbols a test needs;
// buildFakeELF64 assembles a minimal but well-formed little-endian ELF64
// image from it, laid out exactly how parseELFHeader/readSectionHeaders/
// readSymbols in elf.go expect to read it back.
type fakeELF64Spec struct {
	baseAddress uint32
	text        []byte
	rodata      []byte
	data        []byte
	bssSize     uint32
	entryName   string
	entryOffset uint32 // offset of entryName within text
	dataSymbol  string // optional extra OBJECT symbol pointing at the start of .data
}

const (
	shtNull    = 0
	shtProgbit = 1
	shtSymtabT = 2
	shtStrtabT = 3
	shtNobits  = 8
)

func buildFakeELF64(spec fakeELF64Spec) []byte {
	roundUp4 := func(n uint32) uint32 {
		if n%4 == 0 {
			return n
		}
		return n + (4 - n%4)
	}

	textAddr := spec.baseAddress
	rodataAddr := textAddr + roundUp4(uint32(len(spec.text)))
	dataAddr := rodataAddr + roundUp4(uint32(len(spec.rodata)))
	bssAddr := dataAddr + roundUp4(uint32(len(spec.data)))

	// Section name string table.
	shstrtab := []byte{0}
	nameOff := func(tab *[]byte, name string) uint32 {
		off := uint32(len(*tab))
		*tab = append(*tab, append([]byte(name), 0)...)
		return off
	}
	nullNameOff := uint32(0)
	textNameOff := nameOff(&shstrtab, ".text")
	rodataNameOff := nameOff(&shstrtab, ".rodata")
	dataNameOff := nameOff(&shstrtab, ".data")
	bssNameOff := nameOff(&shstrtab, ".bss")
	shstrtabNameOff := nameOff(&shstrtab, ".shstrtab")
	symtabNameOff := nameOff(&shstrtab, ".symtab")
	strtabNameOff := nameOff(&shstrtab, ".strtab")
	_ = nullNameOff

	// Symbol string table.
	strtab := []byte{0}
	entryNameOff := nameOff(&strtab, spec.entryName)
	var dataSymNameOff uint32
	if spec.dataSymbol != "" {
		dataSymNameOff = nameOff(&strtab, spec.dataSymbol)
	}

	// File layout: header | text | rodata | data | shstrtab | strtab | symtab | section headers.
	const ehdrSize = 64
	const shdrSize = 64
	const symSize = 24

	textOff := uint32(ehdrSize)
	rodataOff := textOff + uint32(len(spec.text))
	dataOff := rodataOff + uint32(len(spec.rodata))
	shstrtabOff := dataOff + uint32(len(spec.data))
	strtabOff := shstrtabOff + uint32(len(shstrtab))
	symtabOff := strtabOff + uint32(len(strtab))

	numSyms := 1 // null symbol
	numSyms++    // entry function symbol
	if spec.dataSymbol != "" {
		numSyms++
	}
	symtabSize := uint32(numSyms * symSize)

	numSections := 8 // null, text, rodata, data, bss, shstrtab, symtab, strtab
	shoff := symtabOff + symtabSize

	buf := make([]byte, shoff+uint32(numSections*shdrSize))

	// --- ELF header ---
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 0xf3)
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(textAddr+spec.entryOffset))
	binary.LittleEndian.PutUint64(buf[32:40], 0) // phoff
	binary.LittleEndian.PutUint64(buf[40:48], uint64(shoff))
	binary.LittleEndian.PutUint32(buf[48:52], 0)
	binary.LittleEndian.PutUint16(buf[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:56], 0)
	binary.LittleEndian.PutUint16(buf[56:58], 0)
	binary.LittleEndian.PutUint16(buf[58:60], shdrSize)
	binary.LittleEndian.PutUint16(buf[60:62], uint16(numSections))
	binary.LittleEndian.PutUint16(buf[62:64], 5) // shstrndx, see section ordering below

	// --- section payloads ---
	copy(buf[textOff:], spec.text)
	copy(buf[rodataOff:], spec.rodata)
	copy(buf[dataOff:], spec.data)
	copy(buf[shstrtabOff:], shstrtab)
	copy(buf[strtabOff:], strtab)

	// --- symtab ---
	writeSym := func(idx int, nameOff uint32, value uint64, size uint64, info byte, shndx uint16) {
		off := int(symtabOff) + idx*symSize
		binary.LittleEndian.PutUint32(buf[off:off+4], nameOff)
		buf[off+4] = info
		buf[off+5] = 0
		binary.LittleEndian.PutUint16(buf[off+6:off+8], shndx)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], value)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], size)
	}
	writeSym(0, 0, 0, 0, 0, 0)
	const sttFuncInfo = (1 << 4) | 2   // GLOBAL, FUNC
	const sttObjectInfo = (1 << 4) | 1 // GLOBAL, OBJECT
	writeSym(1, entryNameOff, uint64(textAddr+spec.entryOffset), 4, sttFuncInfo, 1)
	if spec.dataSymbol != "" {
		writeSym(2, dataSymNameOff, uint64(dataAddr), 4, sttObjectInfo, 3)
	}

	// --- section headers ---
	writeShdr := func(idx int, name uint32, typ uint32, flags, addr, offset, size uint64, link, info uint32, entsize uint64) {
		off := int(shoff) + idx*shdrSize
		binary.LittleEndian.PutUint32(buf[off:off+4], name)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], typ)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], flags)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], addr)
		binary.LittleEndian.PutUint64(buf[off+24:off+32], offset)
		binary.LittleEndian.PutUint64(buf[off+32:off+40], size)
		binary.LittleEndian.PutUint32(buf[off+40:off+44], link)
		binary.LittleEndian.PutUint32(buf[off+44:off+48], info)
		binary.LittleEndian.PutUint64(buf[off+56:off+64], entsize)
	}

	writeShdr(0, 0, shtNull, 0, 0, 0, 0, 0, 0, 0)
	writeShdr(1, textNameOff, shtProgbit, shfAlloc|shfExecInstr, uint64(textAddr), uint64(textOff), uint64(len(spec.text)), 0, 0, 0)
	writeShdr(2, rodataNameOff, shtProgbit, shfAlloc, uint64(rodataAddr), uint64(rodataOff), uint64(len(spec.rodata)), 0, 0, 0)
	writeShdr(3, dataNameOff, shtProgbit, shfAlloc|shfWrite, uint64(dataAddr), uint64(dataOff), uint64(len(spec.data)), 0, 0, 0)
	writeShdr(4, bssNameOff, shtNobits, shfAlloc|shfWrite, uint64(bssAddr), uint64(dataOff+uint32(len(spec.data))), uint64(spec.bssSize), 0, 0, 0)
	writeShdr(5, shstrtabNameOff, shtStrtabT, 0, 0, uint64(shstrtabOff), uint64(len(shstrtab)), 0, 0, 0)
	writeShdr(6, symtabNameOff, shtSymtabT, 0, 0, uint64(symtabOff), uint64(symtabSize), 7 /* link: strtab index */, 1, symSize)
	writeShdr(7, strtabNameOff, shtStrtabT, 0, 0, uint64(strtabOff), uint64(len(strtab)), 0, 0, 0)

	return buf
}
