// Copyright 2025 The Rex Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package elftest writes minimal but well-formed ELF64 files for
// resolver and bundler tests: enough header, program header, dynamic
// section and string table structure for debug/elf to parse, and
// nothing else. The files contain no machine code and cannot run.
package elftest

import (
	"debug/elf"
	"encoding/binary"
	"os"
)

// Spec describes the fixture to write.
type Spec struct {
	// Type defaults to ET_DYN, the shape of a shared object.
	Type elf.Type

	// Machine defaults to EM_X86_64.
	Machine elf.Machine

	// Interp emits a PT_INTERP naming this loader path.
	Interp string

	// Dynamic-section content. Runpath and Rpath are raw
	// colon-separated lists, written as single entries.
	Soname  string
	Needed  []string
	Runpath string
	Rpath   string

	// NoDynamic omits the dynamic segment entirely, producing what the
	// resolver classifies as a static ELF.
	NoDynamic bool
}

const (
	ehsize    = 64
	phentsize = 56
	shentsize = 64
	dynent    = 16
)

// Write creates an ELF at path, mode 0755.
func Write(path string, spec Spec) error {
	if spec.Type == elf.ET_NONE {
		spec.Type = elf.ET_DYN
	}
	if spec.Machine == elf.EM_NONE {
		spec.Machine = elf.EM_X86_64
	}

	// Dynamic string table and entries.
	strtab := []byte{0}
	addStr := func(s string) uint64 {
		off := uint64(len(strtab))
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
		return off
	}

	var dyn []uint64 // tag, value pairs
	if !spec.NoDynamic {
		for _, n := range spec.Needed {
			dyn = append(dyn, uint64(elf.DT_NEEDED), addStr(n))
		}
		if spec.Soname != "" {
			dyn = append(dyn, uint64(elf.DT_SONAME), addStr(spec.Soname))
		}
		if spec.Rpath != "" {
			dyn = append(dyn, uint64(elf.DT_RPATH), addStr(spec.Rpath))
		}
		if spec.Runpath != "" {
			dyn = append(dyn, uint64(elf.DT_RUNPATH), addStr(spec.Runpath))
		}
	}

	// Layout: ehdr, phdrs, interp, dynstr, dynamic, shstrtab, shdrs.
	phnum := 0
	if spec.Interp != "" {
		phnum++
	}
	if !spec.NoDynamic {
		phnum++
	}

	off := uint64(ehsize + phentsize*phnum)
	interpOff := off
	if spec.Interp != "" {
		off += uint64(len(spec.Interp)) + 1
	}
	dynstrOff := off
	off += uint64(len(strtab))
	dynOff := off

	if !spec.NoDynamic {
		dyn = append(dyn, uint64(elf.DT_STRTAB), dynstrOff)
		dyn = append(dyn, uint64(elf.DT_NULL), 0)
	}
	dynSize := uint64(len(dyn) / 2 * dynent)
	off += dynSize

	shstrtab := []byte("\x00.dynstr\x00.dynamic\x00.shstrtab\x00")
	shstrOff := off
	shnum, shoff, shstrndx := 0, uint64(0), 0
	if !spec.NoDynamic {
		off += uint64(len(shstrtab))
		shnum, shoff, shstrndx = 4, off, 3
	}

	le := binary.LittleEndian
	buf := make([]byte, 0, int(shoff)+shnum*shentsize)
	u16 := func(v uint16) { buf = le.AppendUint16(buf, v) }
	u32 := func(v uint32) { buf = le.AppendUint32(buf, v) }
	u64 := func(v uint64) { buf = le.AppendUint64(buf, v) }

	// ELF header.
	buf = append(buf, 0x7f, 'E', 'L', 'F',
		byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT),
		0, 0, 0, 0, 0, 0, 0, 0, 0)
	u16(uint16(spec.Type))
	u16(uint16(spec.Machine))
	u32(1) // e_version
	u64(0) // e_entry
	if phnum > 0 {
		u64(ehsize) // e_phoff
	} else {
		u64(0)
	}
	u64(shoff)
	u32(0) // e_flags
	u16(ehsize)
	u16(phentsize)
	u16(uint16(phnum))
	u16(shentsize)
	u16(uint16(shnum))
	u16(uint16(shstrndx))

	phdr := func(typ elf.ProgType, off, size uint64) {
		u32(uint32(typ))
		u32(uint32(elf.PF_R))
		u64(off)  // p_offset
		u64(off)  // p_vaddr
		u64(off)  // p_paddr
		u64(size) // p_filesz
		u64(size) // p_memsz
		u64(1)    // p_align
	}
	if spec.Interp != "" {
		phdr(elf.PT_INTERP, interpOff, uint64(len(spec.Interp))+1)
	}
	if !spec.NoDynamic {
		phdr(elf.PT_DYNAMIC, dynOff, dynSize)
	}

	if spec.Interp != "" {
		buf = append(buf, spec.Interp...)
		buf = append(buf, 0)
	}
	buf = append(buf, strtab...)
	for _, v := range dyn {
		u64(v)
	}

	if !spec.NoDynamic {
		buf = append(buf, shstrtab...)

		shdr := func(name uint32, typ elf.SectionType, off, size uint64, link uint32, entsize uint64) {
			u32(name)
			u32(uint32(typ))
			u64(0) // sh_flags
			u64(0) // sh_addr
			u64(off)
			u64(size)
			u32(link)
			u32(0) // sh_info
			u64(1) // sh_addralign
			u64(entsize)
		}
		shdr(0, elf.SHT_NULL, 0, 0, 0, 0)
		shdr(1, elf.SHT_STRTAB, dynstrOff, uint64(len(strtab)), 0, 0)   // .dynstr
		shdr(9, elf.SHT_DYNAMIC, dynOff, dynSize, 1, dynent)            // .dynamic
		shdr(18, elf.SHT_STRTAB, shstrOff, uint64(len(shstrtab)), 0, 0) // .shstrtab
	}

	return os.WriteFile(path, buf, 0755)
}
