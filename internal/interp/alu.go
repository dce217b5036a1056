package interp

import "github.com/xyproto/xbpf/internal/isa"

// operand reads the ALU/jump instruction's right-hand operand: the src
// register, or the immediate (sign-extended to 64 bits for 64-bit forms,
// taken as-is for 32-bit forms since those operate mod 2^32 anyway).
func operand(regs *[11]uint64, in isa.Instruction) uint64 {
	if in.UsesSrcReg() {
		return regs[in.Src]
	}
	if in.Is32() {
		return uint64(uint32(in.Imm))
	}
	return uint64(int64(in.Imm))
}

func execALU(regs *[11]uint64, in isa.Instruction) {
	src := operand(regs, in)
	dst := regs[in.Dst]
	is32 := in.Is32()

	var result uint64
	switch in.ALUOp() {
	case isa.OpAdd:
		result = dst + src
	case isa.OpSub:
		result = dst - src
	case isa.OpMul:
		result = dst * src
	case isa.OpDiv:
		if is32 {
			if uint32(src) == 0 {
				result = 0
			} else {
				result = uint64(uint32(dst) / uint32(src))
			}
		} else {
			if src == 0 {
				result = 0
			} else {
				result = dst / src
			}
		}
	case isa.OpOr:
		result = dst | src
	case isa.OpAnd:
		result = dst & src
	case isa.OpLsh:
		if is32 {
			result = uint64(uint32(dst) << (uint32(src) & 31))
		} else {
			result = dst << (src & 63)
		}
	case isa.OpRsh:
		if is32 {
			result = uint64(uint32(dst) >> (uint32(src) & 31))
		} else {
			result = dst >> (src & 63)
		}
	case isa.OpNeg:
		if is32 {
			result = uint64(uint32(-int32(dst)))
		} else {
			result = uint64(-int64(dst))
		}
	case isa.OpMod:
		if is32 {
			if uint32(src) == 0 {
				result = uint64(uint32(dst))
			} else {
				result = uint64(uint32(dst) % uint32(src))
			}
		} else {
			if src == 0 {
				result = dst
			} else {
				result = dst % src
			}
		}
	case isa.OpXor:
		result = dst ^ src
	case isa.OpMov:
		result = src
	case isa.OpArsh:
		if is32 {
			result = uint64(uint32(int32(dst) >> (uint32(src) & 31)))
		} else {
			result = uint64(int64(dst) >> (src & 63))
		}
	case isa.OpEnd:
		// END is encoded in the ALU class but carries its own width in imm,
		// so a 64-bit swap must not be truncated to 32 bits below.
		regs[in.Dst] = byteswap(dst, in)
		return
	default:
		result = dst
	}

	if is32 {
		regs[in.Dst] = uint64(uint32(result))
	} else {
		regs[in.Dst] = result
	}
}

// byteswap implements the BE/LE "END" opcode: TO_LE (src bit clear) is a
// no-op on a little-endian host; TO_BE (src bit set) swaps the low
// imm-many bits (16, 32, or 64) of the destination.
func byteswap(v uint64, in isa.Instruction) uint64 {
	if !in.UsesSrcReg() {
		return v
	}
	switch in.Imm {
	case 16:
		return uint64(uint16(v>>8) | uint16(v)<<8)
	case 32:
		u := uint32(v)
		return uint64(u>>24 | (u>>8)&0xff00 | (u<<8)&0xff0000 | u<<24)
	case 64:
		return v>>56 | (v>>40)&0xff00 | (v>>24)&0xff0000 | (v>>8)&0xff000000 |
			(v<<8)&0xff00000000 | (v<<24)&0xff0000000000 | (v<<40)&0xff000000000000 | v<<56
	default:
		return v
	}
}

func branchTaken(regs *[11]uint64, in isa.Instruction) bool {
	src := operand(regs, in)
	dst := regs[in.Dst]
	is32 := in.Is32()
	if is32 {
		dst = uint64(uint32(dst))
		src = uint64(uint32(src))
	}
	sdst, ssrc := int64(dst), int64(src)
	if is32 {
		sdst, ssrc = int64(int32(dst)), int64(int32(src))
	}

	switch in.ALUOp() {
	case isa.OpJa:
		return true
	case isa.OpJeq:
		return dst == src
	case isa.OpJgt:
		return dst > src
	case isa.OpJge:
		return dst >= src
	case isa.OpJset:
		return dst&src != 0
	case isa.OpJne:
		return dst != src
	case isa.OpJsgt:
		return sdst > ssrc
	case isa.OpJsge:
		return sdst >= ssrc
	case isa.OpJlt:
		return dst < src
	case isa.OpJle:
		return dst <= src
	case isa.OpJslt:
		return sdst < ssrc
	case isa.OpJsle:
		return sdst <= ssrc
	default:
		return false
	}
}
