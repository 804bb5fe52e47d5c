package vm

import "math/bits"

// RFLAGS bits touched by arithmetic
const (
	FlagCF uint64 = 1 << 0
	FlagPF uint64 = 1 << 2
	FlagAF uint64 = 1 << 4
	FlagZF uint64 = 1 << 6
	FlagSF uint64 = 1 << 7
	FlagOF uint64 = 1 << 11

	arithmeticFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

// arithmeticResult computes a+b or a-b at width and the resulting status flags
func arithmeticResult(a, b uint64, width uint8, sub bool) (uint64, uint64) {
	mask := Mask(width)
	signBit := uint64(1) << (uint(width)*8 - 1)
	a, b = a&mask, b&mask

	var result, carry uint64
	if sub {
		result, carry = bits.Sub64(a, b, 0)
	} else {
		result, carry = bits.Add64(a, b, 0)
	}
	if width < 8 {
		// the carry of a narrow operation lands just above the mask
		carry = (result >> (uint(width) * 8)) & 1
		result &= mask
	}

	var flags uint64
	if carry != 0 {
		flags |= FlagCF
	}
	if bits.OnesCount8(uint8(result))%2 == 0 {
		flags |= FlagPF
	}
	if (a^b^result)&0x10 != 0 {
		flags |= FlagAF
	}
	if result == 0 {
		flags |= FlagZF
	}
	if result&signBit != 0 {
		flags |= FlagSF
	}
	var overflow uint64
	if sub {
		overflow = (a ^ b) & (a ^ result)
	} else {
		overflow = ^(a ^ b) & (a ^ result)
	}
	if overflow&signBit != 0 {
		flags |= FlagOF
	}
	return result, flags
}

// mergeFlags replaces the arithmetic status bits of current with computed
func mergeFlags(current, computed uint64) uint64 {
	return current&^arithmeticFlags | computed&arithmeticFlags
}
